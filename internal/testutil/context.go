// Package testutil provides helpers shared by the tracer's tests.
package testutil

import (
	"context"
	"testing"
	"time"
)

// DefaultTimeout bounds tests that wait on the agent loop or a transport.
const DefaultTimeout = 5 * time.Second

// NewTestContext returns a context cancelled after DefaultTimeout or at the
// end of the test, whichever comes first.
func NewTestContext(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	t.Cleanup(cancel)
	return ctx
}
