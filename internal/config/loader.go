package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/tracer/internal/constants"
	"github.com/coral-mesh/tracer/internal/privilege"
	"github.com/coral-mesh/tracer/internal/safe"
)

// DefaultPath returns the configuration file path. CORAL_TRACE_CONFIG wins
// over ~/.coral/trace.yaml, where ~ is the home of the user behind sudo. An
// empty string means no home directory.
func DefaultPath() string {
	if path := os.Getenv(constants.ConfigEnvVar); path != "" {
		return path
	}
	home, err := privilege.HomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, constants.DefaultDir, constants.ConfigFile)
}

// Load builds the configuration from defaults, the file at path and the
// environment, then validates it. A missing file is not an error unless
// path was given explicitly.
func Load(path string) (*TracerConfig, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := DefaultTracerConfig()
	if path != "" {
		data, err := safe.ReadFile(path, &safe.ReadOptions{AllowSymlinks: true})
		switch {
		case err == nil:
			if err := Decode(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if _, err := LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode overlays YAML data on cfg. Unknown keys are rejected.
func Decode(data []byte, cfg *TracerConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Encode renders cfg as YAML.
func Encode(cfg *TracerConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}
