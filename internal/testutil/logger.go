package testutil

import (
	"testing"

	"github.com/rs/zerolog"
)

// NewTestLogger returns a logger that discards output.
func NewTestLogger() zerolog.Logger {
	return zerolog.Nop()
}

// NewTestLoggerWithOutput returns a debug logger that writes through t.Log,
// so output only shows for failing or verbose tests.
func NewTestLoggerWithOutput(t testing.TB) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).
		Level(zerolog.DebugLevel).
		With().Timestamp().Logger()
}
