// Package constants defines shared configuration constants and defaults.
package constants

import "time"

const (
	// DefaultDir is the per-user directory holding tracer files.
	DefaultDir = ".coral"

	// ConfigFile is the tracer configuration file name inside DefaultDir.
	ConfigFile = "trace.yaml"

	// ConfigEnvVar overrides the configuration file path.
	ConfigEnvVar = "CORAL_TRACE_CONFIG"

	// DefaultHostURL is the WebSocket endpoint of a local host.
	DefaultHostURL = "ws://127.0.0.1:9600/agent"
)

// Timeouts and intervals.
const (
	// DefaultFlushInterval is how long events are buffered before a batch
	// is sent.
	DefaultFlushInterval = 50 * time.Millisecond

	// DefaultTokenTTL is the lifetime of host bearer tokens.
	DefaultTokenTTL = 5 * time.Minute

	// DefaultHandshakeTimeout bounds the WebSocket handshake.
	DefaultHandshakeTimeout = 10 * time.Second
)
