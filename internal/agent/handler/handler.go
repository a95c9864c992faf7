// Package handler holds the enter/leave callback pairs bound to traced
// targets, the registry that assigns their ids, and the compiler that turns
// handler scripts received from the host into callbacks.
package handler

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ID identifies a handler. IDs start at 1 and are shared by native and
// managed targets.
type ID int

// CutPoint marks function entry or exit in the shared invocation path.
type CutPoint string

const (
	Enter CutPoint = ">"
	Leave CutPoint = "<"
)

// ManagedException is an exception that belongs to the managed runtime's
// own control flow. Handlers raise it to make the traced method throw.
type ManagedException struct {
	Class   string
	Message string
}

func (e *ManagedException) Error() string {
	if e.Message == "" {
		return e.Class
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// IsManagedException reports whether err carries a ManagedException.
func IsManagedException(err error) bool {
	var me *ManagedException
	return errors.As(err, &me)
}

// Invocation is what a callback sees of one intercepted call.
type Invocation struct {
	ID       ID
	Target   string
	ThreadID uint64
	Depth    int
	CutPoint CutPoint

	// Args are the call arguments on entry.
	Args []any
	// Retval is the return value on exit.
	Retval any
	// Instance is the receiver of a managed method, nil for native calls.
	Instance any
	// Locals survive from the entry callback to the exit callback of the
	// same call.
	Locals map[string]any

	Session *Session

	// Log emits one trace event; parts are joined with a single space.
	Log func(parts ...any)
}

// Callback handles one side of an intercepted call. A non-nil result from
// an exit callback replaces the return value of managed methods.
type Callback func(inv *Invocation) (any, error)

// Noop is the callback used for absent or broken handler slots.
func Noop(*Invocation) (any, error) {
	return nil, nil
}

// Pair is the callback pair of one target.
type Pair struct {
	OnEnter Callback
	OnLeave Callback
}

// NoopPair does nothing on entry and exit.
func NoopPair() Pair {
	return Pair{OnEnter: Noop, OnLeave: Noop}
}

func (p Pair) normalized() Pair {
	if p.OnEnter == nil {
		p.OnEnter = Noop
	}
	if p.OnLeave == nil {
		p.OnLeave = Noop
	}
	return p
}

// Funcs adapts plain Go functions into a Pair. Either may be nil.
func Funcs(onEnter, onLeave Callback) Pair {
	return Pair{OnEnter: onEnter, OnLeave: onLeave}.normalized()
}

// Slot holds the current pair of a handler id. Swaps are atomic: callers
// that loaded the previous pair keep using it.
type Slot struct {
	ID   ID
	Name string

	pair atomic.Pointer[Pair]
}

func newSlot(id ID, name string, p Pair) *Slot {
	s := &Slot{ID: id, Name: name}
	s.Store(p)
	return s
}

// Load returns the current pair.
func (s *Slot) Load() *Pair {
	return s.pair.Load()
}

// Store replaces the pair.
func (s *Slot) Store(p Pair) {
	p = p.normalized()
	s.pair.Store(&p)
}
