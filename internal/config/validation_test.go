package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TracerConfig)
		wantErr string
	}{
		{"defaults", func(*TracerConfig) {}, ""},
		{"version", func(c *TracerConfig) { c.Version = 2 }, "version"},
		{"negative pid", func(c *TracerConfig) { c.Target.PID = -1 }, "pid"},
		{"http url", func(c *TracerConfig) { c.Host.URL = "http://host/agent" }, "ws or wss"},
		{"short secret", func(c *TracerConfig) { c.Host.Secret = "short" }, "secret"},
		{"token ttl", func(c *TracerConfig) { c.Host.TokenTTL = 0 }, "token_ttl"},
		{"jitter", func(c *TracerConfig) { c.Host.Retry.Jitter = 2 }, "jitter"},
		{"flush interval", func(c *TracerConfig) { c.Agent.FlushInterval = 0 }, "flush_interval"},
		{"missing init script", func(c *TracerConfig) { c.Agent.InitScripts = []string{"/nonexistent/init.yaml"} }, "init_scripts"},
		{"ring size", func(c *TracerConfig) { c.Uprobe.RingSize = 5000 }, "ring_size"},
		{"log format", func(c *TracerConfig) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTracerConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateRingSize(t *testing.T) {
	assert.NoError(t, ValidateRingSize(4096))
	assert.NoError(t, ValidateRingSize(1<<22))
	assert.Error(t, ValidateRingSize(2048))
	assert.Error(t, ValidateRingSize(12288))
}
