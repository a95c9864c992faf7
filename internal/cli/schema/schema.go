// Package schema implements the coral-trace schema command.
package schema

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/tracer/internal/agent/handler"
	"github.com/coral-mesh/tracer/internal/config"
)

// documents maps a document name to a value of its Go type.
var documents = map[string]struct {
	title string
	value any
}{
	"handler": {"coral-trace handler script", &handler.Script{}},
	"init":    {"coral-trace init script", &handler.InitScript{}},
	"config":  {"coral-trace configuration", &config.TracerConfig{}},
}

// Names returns the supported document names.
func Names() []string {
	names := make([]string, 0, len(documents))
	for name := range documents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate writes the JSON schema of document to w.
func Generate(w io.Writer, document string) error {
	doc, ok := documents[document]
	if !ok {
		return fmt.Errorf("unknown document %q, must be one of: %s", document, strings.Join(Names(), ", "))
	}

	// Documents are YAML, so property names come from the yaml tags.
	reflector := jsonschema.Reflector{
		FieldNameTag:               "yaml",
		DoNotReference:             true,
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: true,
	}
	s := reflector.Reflect(doc.value)
	s.Title = doc.title

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// NewSchemaCmd creates the schema command.
func NewSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "schema [" + strings.Join(Names(), "|") + "]",
		Short:     "Print the JSON schema of a script or configuration document",
		Long:      "Print the JSON schema of a handler script, an init script or the configuration file. Defaults to handler.",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: Names(),
		RunE: func(cmd *cobra.Command, args []string) error {
			document := "handler"
			if len(args) == 1 {
				document = args[0]
			}
			return Generate(cmd.OutOrStdout(), document)
		},
	}
}
