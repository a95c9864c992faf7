// Package config provides the tracer configuration and its layered loading:
// defaults, then the YAML file, then CORAL_TRACE_* environment variables.
// Command line flags are applied last by the CLI.
package config

import "time"

// SchemaVersion is the current configuration schema version.
const SchemaVersion = 1

// TracerConfig is the coral-trace configuration file.
type TracerConfig struct {
	Version int `yaml:"version"`

	Target  TargetConfig  `yaml:"target"`
	Host    HostConfig    `yaml:"host"`
	Agent   AgentConfig   `yaml:"agent"`
	Uprobe  UprobeConfig  `yaml:"uprobe"`
	Logging LoggingConfig `yaml:"logging"`
}

// TargetConfig selects the traced process.
type TargetConfig struct {
	PID int `yaml:"pid" env:"CORAL_TRACE_PID"`
}

// HostConfig configures the connection to the host.
type HostConfig struct {
	URL string `yaml:"url" env:"CORAL_TRACE_HOST_URL"`
	// Secret signs the bearer token presented on dial. Empty disables auth.
	Secret           string        `yaml:"secret,omitempty" env:"CORAL_TRACE_HOST_SECRET"`
	SessionID        string        `yaml:"session_id,omitempty" env:"CORAL_TRACE_SESSION_ID"`
	TokenTTL         time.Duration `yaml:"token_ttl" env:"CORAL_TRACE_TOKEN_TTL"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"CORAL_TRACE_HANDSHAKE_TIMEOUT"`
	Retry            RetryConfig   `yaml:"retry"`
}

// RetryConfig is the dial retry policy.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries" env:"CORAL_TRACE_DIAL_RETRIES"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"CORAL_TRACE_DIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"CORAL_TRACE_DIAL_MAX_BACKOFF"`
	Jitter         float64       `yaml:"jitter" env:"CORAL_TRACE_DIAL_JITTER"`
}

// AgentConfig tunes the tracing agent.
type AgentConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval" env:"CORAL_TRACE_FLUSH_INTERVAL"`
	PageSize      int           `yaml:"page_size" env:"CORAL_TRACE_PAGE_SIZE"`
	// InitScripts are evaluated in order before tracing starts.
	InitScripts []string `yaml:"init_scripts,omitempty" env:"CORAL_TRACE_INIT_SCRIPTS"`
}

// UprobeConfig tunes the native interceptor.
type UprobeConfig struct {
	Enabled        bool   `yaml:"enabled" env:"CORAL_TRACE_UPROBE_ENABLED"`
	RingSize       uint32 `yaml:"ring_size" env:"CORAL_TRACE_RING_SIZE"`
	ImageCacheSize int    `yaml:"image_cache_size" env:"CORAL_TRACE_IMAGE_CACHE_SIZE"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level" env:"CORAL_TRACE_LOG_LEVEL"`
	// Format is auto, json or pretty. Auto is pretty on a terminal.
	Format string `yaml:"format" env:"CORAL_TRACE_LOG_FORMAT"`
}
