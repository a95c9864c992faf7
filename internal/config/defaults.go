package config

import (
	"github.com/coral-mesh/tracer/internal/agent/ebpf/uprobe"
	"github.com/coral-mesh/tracer/internal/agent/protocol"
	"github.com/coral-mesh/tracer/internal/constants"
	"github.com/coral-mesh/tracer/internal/retry"
)

// DefaultTracerConfig returns a tracer config with sensible defaults.
func DefaultTracerConfig() *TracerConfig {
	dial := retry.DefaultConfig()
	return &TracerConfig{
		Version: SchemaVersion,
		Host: HostConfig{
			URL:              constants.DefaultHostURL,
			TokenTTL:         constants.DefaultTokenTTL,
			HandshakeTimeout: constants.DefaultHandshakeTimeout,
			Retry: RetryConfig{
				MaxRetries:     dial.MaxRetries,
				InitialBackoff: dial.InitialBackoff,
				MaxBackoff:     dial.MaxBackoff,
				Jitter:         dial.Jitter,
			},
		},
		Agent: AgentConfig{
			FlushInterval: constants.DefaultFlushInterval,
			PageSize:      protocol.DefaultPageSize,
		},
		Uprobe: UprobeConfig{
			Enabled:        true,
			RingSize:       uprobe.DefaultRingSize,
			ImageCacheSize: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// DialRetry converts the retry section to the retry package config.
func (c RetryConfig) DialRetry() retry.Config {
	return retry.Config{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Jitter:         c.Jitter,
	}
}
