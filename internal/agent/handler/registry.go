package handler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrInvalidTarget is returned when updating a handler id that was never
// registered.
var ErrInvalidTarget = errors.New("invalid target ID")

// Compiler turns handler script source into a callback pair.
type Compiler interface {
	Compile(name, source string) (Pair, error)
}

// WarnFunc reports a recoverable problem to the host.
type WarnFunc func(message string)

// Registry assigns handler ids and stores the pair of each id.
type Registry struct {
	compiler Compiler
	warn     WarnFunc
	logger   zerolog.Logger

	mu    sync.RWMutex
	slots map[ID]*Slot
	next  ID
}

// NewRegistry creates a registry whose first id is 1.
func NewRegistry(compiler Compiler, warn WarnFunc, logger zerolog.Logger) *Registry {
	if warn == nil {
		warn = func(string) {}
	}
	return &Registry{
		compiler: compiler,
		warn:     warn,
		logger:   logger.With().Str("component", "handler_registry").Logger(),
		slots:    make(map[ID]*Slot),
		next:     1,
	}
}

// Reserve allocates n contiguous ids and returns the first.
func (r *Registry) Reserve(n int) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	base := r.next
	r.next += ID(n)
	return base
}

// NextID returns the id the next Reserve call will start at.
func (r *Registry) NextID() ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.next
}

// Register compiles source and stores it under id. A script that fails to
// compile is replaced by a no-op pair and reported as a warning.
func (r *Registry) Register(id ID, name, source string) *Slot {
	slot := newSlot(id, name, r.parse(name, source))

	r.mu.Lock()
	r.slots[id] = slot
	r.mu.Unlock()

	return slot
}

// Update recompiles the handler of id and swaps it in place.
func (r *Registry) Update(id ID, name, source string) error {
	r.mu.RLock()
	slot, ok := r.slots[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidTarget, id)
	}

	slot.Store(r.parse(name, source))

	r.logger.Debug().Int("handler_id", int(id)).Str("target", name).Msg("Handler updated")
	return nil
}

// Get returns the slot of id.
func (r *Registry) Get(id ID) (*Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slots[id]
	return slot, ok
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

func (r *Registry) parse(name, source string) Pair {
	pair, err := r.compiler.Compile(name, source)
	if err != nil {
		r.logger.Warn().Err(err).Str("target", name).Msg("Invalid handler")
		r.warn(fmt.Sprintf("Invalid handler for %q: %v", name, err))
		return NoopPair()
	}
	return pair
}
