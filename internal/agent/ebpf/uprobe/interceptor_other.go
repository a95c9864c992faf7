//go:build !linux

package uprobe

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracer/internal/agent/debug"
	"github.com/coral-mesh/tracer/internal/agent/intercept"
)

// ErrUnsupported is returned on platforms without uprobes.
var ErrUnsupported = errors.New("uprobes are only supported on linux")

// Config contains interceptor configuration.
type Config struct {
	PID      int
	Modules  *debug.Modules
	RingSize uint32
	Logger   zerolog.Logger
}

// Interceptor is unavailable on this platform.
type Interceptor struct{}

// New always fails on this platform.
func New(Config) (*Interceptor, error) {
	return nil, ErrUnsupported
}

// Attach always fails on this platform.
func (*Interceptor) Attach(uint64, intercept.Listener) error {
	return intercept.ErrNotHookable
}

// Close is a no-op.
func (*Interceptor) Close() error {
	return nil
}
