package handler

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// SlotSpec describes one side of a handler. Every value is a CEL
// expression.
type SlotSpec struct {
	// Log produces the trace message: a string, or a list joined with spaces.
	Log string `yaml:"log,omitempty" json:"log,omitempty" jsonschema:"description=CEL expression producing the trace message"`
	// Retval replaces the return value of managed methods (onLeave only).
	Retval string `yaml:"retval,omitempty" json:"retval,omitempty" jsonschema:"description=CEL expression replacing the return value"`
	// State assigns keys of the session's shared state.
	State map[string]string `yaml:"state,omitempty" json:"state,omitempty" jsonschema:"description=Shared state assignments"`
	// Locals assigns per-call values visible to onLeave.
	Locals map[string]string `yaml:"locals,omitempty" json:"locals,omitempty" jsonschema:"description=Per-call values carried from onEnter to onLeave"`
}

// UnmarshalYAML accepts a bare string as shorthand for a log expression.
func (s *SlotSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Log = node.Value
		return nil
	}
	if node.Kind == yaml.MappingNode {
		// node.Decode does not inherit KnownFields from the outer decoder.
		for i := 0; i+1 < len(node.Content); i += 2 {
			switch key := node.Content[i].Value; key {
			case "log", "retval", "state", "locals":
			default:
				return fmt.Errorf("line %d: unknown handler field %q", node.Content[i].Line, key)
			}
		}
	}
	type plain SlotSpec
	return node.Decode((*plain)(s))
}

func (s *SlotSpec) empty() bool {
	return s == nil || (s.Log == "" && s.Retval == "" && len(s.State) == 0 && len(s.Locals) == 0)
}

// Script is a handler script document.
type Script struct {
	OnEnter *SlotSpec `yaml:"onEnter,omitempty" json:"onEnter,omitempty"`
	OnLeave *SlotSpec `yaml:"onLeave,omitempty" json:"onLeave,omitempty"`
}

// InitScript is evaluated once when the agent initializes.
type InitScript struct {
	State map[string]string `yaml:"state,omitempty" json:"state,omitempty"`
}

var errEmptyScript = errors.New("empty handler script")

// ParseScript decodes a handler script, rejecting unknown keys.
func ParseScript(source string) (*Script, error) {
	var doc Script
	if err := decodeStrict(source, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ParseInitScript decodes an initialization script.
func ParseInitScript(source string) (*InitScript, error) {
	var doc InitScript
	if err := decodeStrict(source, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func decodeStrict(source string, out any) error {
	if strings.TrimSpace(source) == "" {
		return errEmptyScript
	}
	dec := yaml.NewDecoder(strings.NewReader(source))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyScript
		}
		return fmt.Errorf("parse script: %w", err)
	}
	return nil
}
