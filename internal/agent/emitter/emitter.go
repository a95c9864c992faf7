// Package emitter batches trace events and hands them to the host.
package emitter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracer/internal/agent/protocol"
)

// DefaultFlushDelay is the debounce window between the first pending event
// and the automatic flush.
const DefaultFlushDelay = 50 * time.Millisecond

// Sender delivers a message to the host.
type Sender interface {
	Send(msg any) error
}

// Emitter accumulates events from any number of threads and flushes them as
// one events:add message.
type Emitter struct {
	sender Sender
	delay  time.Duration
	logger zerolog.Logger

	// sendMu keeps batches in order when flushes race.
	sendMu sync.Mutex

	mu      sync.Mutex
	pending []protocol.Event
	timer   *time.Timer
	closed  bool
}

// New creates an emitter. A non-positive delay selects DefaultFlushDelay.
func New(sender Sender, delay time.Duration, logger zerolog.Logger) *Emitter {
	if delay <= 0 {
		delay = DefaultFlushDelay
	}
	return &Emitter{
		sender: sender,
		delay:  delay,
		logger: logger.With().Str("component", "emitter").Logger(),
	}
}

// Emit appends ev and arms the flush timer unless it is already armed.
// Events emitted after Dispose are dropped.
func (e *Emitter) Emit(ev protocol.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.pending = append(e.pending, ev)
	if e.timer == nil {
		e.timer = time.AfterFunc(e.delay, e.Flush)
	}
}

// Flush sends all pending events as one batch. It does nothing when no
// events are pending.
func (e *Emitter) Flush() {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	events := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(events) == 0 {
		return
	}

	if err := e.sender.Send(protocol.Events{Type: protocol.TypeEventsAdd, Events: events}); err != nil {
		e.logger.Warn().Err(err).Int("events", len(events)).Msg("Failed to send trace events")
		return
	}

	e.logger.Trace().Int("events", len(events)).Msg("Flushed trace events")
}

// Pending returns the number of buffered events.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Dispose stops accepting events and flushes what is buffered.
func (e *Emitter) Dispose() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.Flush()
}
