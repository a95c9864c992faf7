package handler

import (
	"maps"
	"sync"
)

// Session is the per-agent context shared with every handler invocation.
type Session struct {
	Stage      string
	Parameters map[string]any
	State      *State
}

// NewSession creates a session with empty shared state.
func NewSession(stage string, parameters map[string]any) *Session {
	if parameters == nil {
		parameters = map[string]any{}
	}
	return &Session{
		Stage:      stage,
		Parameters: parameters,
		State:      NewState(),
	}
}

// State is mutable state shared by all handlers of a session. Handlers run
// on many threads at once, so every access goes through the lock.
type State struct {
	mu     sync.Mutex
	values map[string]any
}

// NewState returns empty state.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Snapshot returns a shallow copy of the state.
func (s *State) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values)
}

// Update runs fn with exclusive access to the live values.
func (s *State) Update(fn func(values map[string]any) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.values)
}
