package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CORAL_TRACE_PID", "4242")
	t.Setenv("CORAL_TRACE_HOST_URL", "wss://host.example:9600/agent")
	t.Setenv("CORAL_TRACE_FLUSH_INTERVAL", "200ms")
	t.Setenv("CORAL_TRACE_UPROBE_ENABLED", "false")
	t.Setenv("CORAL_TRACE_RING_SIZE", "0x10000")
	t.Setenv("CORAL_TRACE_DIAL_JITTER", "0.5")
	t.Setenv("CORAL_TRACE_INIT_SCRIPTS", "a.yaml, b.yaml")

	cfg := DefaultTracerConfig()
	applied, err := LoadFromEnv(cfg)
	require.NoError(t, err)

	assert.Equal(t, 4242, cfg.Target.PID)
	assert.Equal(t, "wss://host.example:9600/agent", cfg.Host.URL)
	assert.Equal(t, 200*time.Millisecond, cfg.Agent.FlushInterval)
	assert.False(t, cfg.Uprobe.Enabled)
	assert.Equal(t, uint32(0x10000), cfg.Uprobe.RingSize)
	assert.Equal(t, 0.5, cfg.Host.Retry.Jitter)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.Agent.InitScripts)
	assert.Len(t, applied, 7)
	assert.Contains(t, applied, "CORAL_TRACE_PID")
}

func TestLoadFromEnvInvalidValues(t *testing.T) {
	cases := map[string]string{
		"CORAL_TRACE_PID":            "not-a-number",
		"CORAL_TRACE_FLUSH_INTERVAL": "soon",
		"CORAL_TRACE_UPROBE_ENABLED": "maybe",
		"CORAL_TRACE_RING_SIZE":      "99999999999",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			_, err := LoadFromEnv(DefaultTracerConfig())
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestLoadFromEnvIgnoresEmptyValues(t *testing.T) {
	t.Setenv("CORAL_TRACE_HOST_URL", "")

	cfg := DefaultTracerConfig()
	applied, err := LoadFromEnv(cfg)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, DefaultTracerConfig().Host.URL, cfg.Host.URL)
}
