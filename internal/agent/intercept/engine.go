// Package intercept installs enter/leave hooks on resolved targets and runs
// the bound handlers for every intercepted call.
package intercept

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracer/internal/agent/handler"
	"github.com/coral-mesh/tracer/internal/agent/protocol"
)

// EventSink receives the trace events produced by handlers.
type EventSink interface {
	Emit(ev protocol.Event)
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	// Session is handed to every handler invocation.
	Session *handler.Session
	// Warn reports recoverable problems to the host.
	Warn handler.WarnFunc
	// NextTick schedules work on the agent's control loop. Defaults to a new
	// goroutine.
	NextTick func(func())
	// ThreadID returns the id of the calling thread for managed calls.
	// Defaults to the OS thread id.
	ThreadID func() uint64
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Engine runs handlers for intercepted native and managed calls.
type Engine struct {
	sink     EventSink
	depths   *DepthTracker
	session  *handler.Session
	warn     handler.WarnFunc
	nextTick func(func())
	threadID func() uint64
	clock    func() time.Time
	started  time.Time
	logger   zerolog.Logger
}

// NewEngine creates an engine whose event timestamps are relative to now.
func NewEngine(sink EventSink, opts Options, logger zerolog.Logger) *Engine {
	if opts.Session == nil {
		opts.Session = handler.NewSession("", nil)
	}
	if opts.Warn == nil {
		opts.Warn = func(string) {}
	}
	if opts.NextTick == nil {
		opts.NextTick = func(fn func()) { go fn() }
	}
	if opts.ThreadID == nil {
		opts.ThreadID = currentThreadID
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Engine{
		sink:     sink,
		depths:   NewDepthTracker(),
		session:  opts.Session,
		warn:     opts.Warn,
		nextTick: opts.NextTick,
		threadID: opts.ThreadID,
		clock:    opts.Clock,
		started:  opts.Clock(),
		logger:   logger.With().Str("component", "intercept").Logger(),
	}
}

// Depths exposes the engine's depth tracker.
func (e *Engine) Depths() *DepthTracker {
	return e.depths
}

// invoke runs callback for one side of a call and returns its result.
func (e *Engine) invoke(slot *handler.Slot, callback handler.Callback, threadID uint64,
	cut handler.CutPoint, inv *handler.Invocation) (any, error) {
	timestamp := e.clock().Sub(e.started).Milliseconds()
	depth := e.depths.UpdateDepth(threadID, cut)

	inv.ID = slot.ID
	inv.Target = slot.Name
	inv.ThreadID = threadID
	inv.Depth = depth
	inv.CutPoint = cut
	inv.Session = e.session
	inv.Log = func(parts ...any) {
		e.sink.Emit(protocol.Event{
			HandlerID: int(slot.ID),
			Timestamp: timestamp,
			ThreadID:  threadID,
			Depth:     depth,
			Message:   handler.FormatMessage(parts...),
		})
	}

	return callback(inv)
}

func (e *Engine) handlerFailed(slot *handler.Slot, cut handler.CutPoint, err error) {
	e.logger.Error().
		Err(err).
		Int("handler_id", int(slot.ID)).
		Str("target", slot.Name).
		Str("cut_point", string(cut)).
		Msg("Handler failed")
	e.warn(fmt.Sprintf("Handler for %q failed: %v", slot.Name, err))
}
