package helpers

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracer/internal/agent/debug"
	"github.com/coral-mesh/tracer/internal/agent/resolver"
	"github.com/coral-mesh/tracer/internal/config"
)

// Target bundles the enumeration facilities of one process.
type Target struct {
	PID           int
	Modules       *debug.Modules
	Collaborators resolver.Collaborators
}

// OpenTarget reads the module map of pid and wires the ELF based
// collaborators. The ObjC and Java runtimes are left unset, so patterns in
// those scopes report the runtime as unavailable.
func OpenTarget(pid int, cfg *config.TracerConfig, logger zerolog.Logger) (*Target, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("a target pid is required (--pid or target.pid)")
	}

	modules, err := debug.NewModules(pid, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to read modules of pid %d: %w", pid, err)
	}
	symbols, err := debug.NewSymbolizer(modules, logger)
	if err != nil {
		return nil, err
	}

	return &Target{
		PID:     pid,
		Modules: modules,
		Collaborators: resolver.Collaborators{
			NewModuleResolver: func() (resolver.APIResolver, error) {
				r, err := debug.NewELFResolver(modules, cfg.Uprobe.ImageCacheSize, logger)
				if err != nil {
					return nil, err
				}
				return r, nil
			},
			Modules: modules,
			Symbols: symbols,
		},
	}, nil
}
