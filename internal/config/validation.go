package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/coral-mesh/tracer/internal/agent/transport"
)

const pageSize = 4096

// Validate checks the configuration for values the tracer cannot run with.
func (c *TracerConfig) Validate() error {
	if c.Version != SchemaVersion {
		return fmt.Errorf("unsupported config version %d (want %d)", c.Version, SchemaVersion)
	}
	if c.Target.PID < 0 {
		return fmt.Errorf("target.pid must not be negative")
	}
	if err := ValidateHostURL(c.Host.URL); err != nil {
		return err
	}
	if c.Host.Secret != "" && len(c.Host.Secret) < transport.MinSecretLength {
		return fmt.Errorf("host.secret must be at least %d bytes", transport.MinSecretLength)
	}
	if c.Host.TokenTTL <= 0 {
		return fmt.Errorf("host.token_ttl must be positive")
	}
	if c.Host.Retry.Jitter < 0 || c.Host.Retry.Jitter > 1 {
		return fmt.Errorf("host.retry.jitter must be between 0 and 1")
	}
	if c.Agent.FlushInterval <= 0 {
		return fmt.Errorf("agent.flush_interval must be positive")
	}
	if c.Agent.PageSize <= 0 {
		return fmt.Errorf("agent.page_size must be positive")
	}
	for _, script := range c.Agent.InitScripts {
		if _, err := os.Stat(script); err != nil {
			return fmt.Errorf("agent.init_scripts: %w", err)
		}
	}
	if err := ValidateRingSize(c.Uprobe.RingSize); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "auto", "json", "pretty":
	default:
		return fmt.Errorf("logging.format must be auto, json or pretty")
	}
	return nil
}

// ValidateHostURL checks that raw is a ws or wss URL with a host.
func ValidateHostURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid host.url %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("host.url %q must use ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("host.url %q has no host", raw)
	}
	return nil
}

// ValidateRingSize checks that size is a power of two multiple of the page
// size, as the kernel requires for ring buffers.
func ValidateRingSize(size uint32) error {
	if size < pageSize || size&(size-1) != 0 {
		return fmt.Errorf("uprobe.ring_size %d must be a power of two of at least %d", size, pageSize)
	}
	return nil
}
