package intercept

import (
	"sync"

	"github.com/coral-mesh/tracer/internal/agent/handler"
)

// DepthTracker keeps the call nesting depth of every thread that is inside
// at least one traced call.
type DepthTracker struct {
	mu     sync.Mutex
	depths map[uint64]int
}

// NewDepthTracker creates an empty tracker.
func NewDepthTracker() *DepthTracker {
	return &DepthTracker{depths: make(map[uint64]int)}
}

// UpdateDepth records an entry or exit on threadID and returns the depth the
// call is reported at. An entry reports the depth before incrementing. An
// exit decrements first, so it reports the same depth as its matching entry.
// Depth never goes below zero and a thread's entry is dropped once it
// returns to zero.
func (t *DepthTracker) UpdateDepth(threadID uint64, cut handler.CutPoint) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	depth := t.depths[threadID]
	if cut == handler.Enter {
		t.depths[threadID] = depth + 1
		return depth
	}

	if depth > 0 {
		depth--
	}
	if depth == 0 {
		delete(t.depths, threadID)
	} else {
		t.depths[threadID] = depth
	}
	return depth
}

// Threads returns the number of threads with a non-zero depth.
func (t *DepthTracker) Threads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.depths)
}
