package helpers

import (
	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracer/internal/config"
	"github.com/coral-mesh/tracer/internal/logging"
)

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig, component string) zerolog.Logger {
	lc := logging.DefaultConfig()
	lc.Level = cfg.Level
	switch cfg.Format {
	case "json":
		lc.Pretty = false
	case "pretty":
		lc.Pretty = true
	}
	return logging.NewWithComponent(lc, component)
}
