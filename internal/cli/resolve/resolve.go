// Package resolve implements the coral-trace resolve command, which prints
// the functions a trace spec selects in a running process without hooking
// them.
package resolve

import (
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/tracer/internal/agent/resolver"
	"github.com/coral-mesh/tracer/internal/agent/target"
	"github.com/coral-mesh/tracer/internal/cli/helpers"
)

// Row is one resolved native target.
type Row struct {
	Flavor  string `header:"FLAVOR" json:"flavor"`
	Scope   string `header:"SCOPE" json:"scope"`
	Name    string `header:"NAME" json:"name"`
	Address uint64 `header:"ADDRESS" format:"0x%x" json:"address"`
}

// NewResolveCmd creates the resolve command.
func NewResolveCmd(g *helpers.GlobalFlags) *cobra.Command {
	var (
		sel    helpers.TargetFlags
		format string
		spec   [][3]string
	)
	supported := []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the functions a trace spec selects in a process",
		Long: `Resolve a trace spec against a running process and print the selected
functions without hooking them. Spec flags apply in command line order.

Examples:
  # Every open* export of libc, minus openat
  coral-trace resolve -p 4242 -i 'libc.so*!open*' -x 'libc.so*!openat'

  # A function by offset in the main executable
  coral-trace resolve -p 4242 -a 'myapp!0x1c40' -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, supported); err != nil {
				return err
			}
			if len(spec) == 0 {
				return fmt.Errorf("no spec flags given")
			}
			cfg, err := g.LoadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := sel.Apply(cmd.Context(), cmd.Flags(), cfg); err != nil {
				return err
			}
			logger := helpers.NewLogger(cfg.Logging, "resolve")

			t, err := helpers.OpenTarget(cfg.Target.PID, cfg, logger)
			if err != nil {
				return err
			}
			rows, err := resolve(t.Collaborators, spec, logger)
			if err != nil {
				return err
			}

			formatter, err := helpers.NewFormatter(helpers.OutputFormat(format))
			if err != nil {
				return err
			}
			return printRows(cmd.OutOrStdout(), formatter, rows)
		},
	}

	helpers.AddTargetFlags(cmd, &sel)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, supported)
	addSpecFlags(cmd.Flags(), &spec)
	return cmd
}

func resolve(c resolver.Collaborators, spec [][3]string, logger zerolog.Logger) ([]Row, error) {
	entries := make([]target.Entry, 0, len(spec))
	for _, raw := range spec {
		e, err := target.ParseEntry(raw[0], raw[1], raw[2])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	r := resolver.New(c, logger)
	plan := target.NewPlan()
	javaEntries, err := r.ApplyNative(plan, entries)
	if err != nil {
		return nil, err
	}
	if err := r.RequireJava(javaEntries); err != nil {
		return nil, err
	}

	targets := plan.NativeTargets()
	rows := make([]Row, 0, len(targets))
	for _, t := range targets {
		rows = append(rows, Row{
			Flavor:  string(t.Flavor),
			Scope:   t.Scope,
			Name:    t.Member.DisplayName(),
			Address: t.Address,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Address < rows[j].Address })
	return rows, nil
}

func printRows(w io.Writer, formatter helpers.Formatter, rows []Row) error {
	if len(rows) == 0 {
		if _, ok := formatter.(*helpers.JSONFormatter); !ok {
			_, err := fmt.Fprintln(w, "No functions matched")
			return err
		}
	}
	return formatter.Format(rows, w)
}
