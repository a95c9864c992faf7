package helpers

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coral-mesh/tracer/internal/config"
	"github.com/coral-mesh/tracer/internal/errors"
	"github.com/coral-mesh/tracer/internal/sys/proc"
)

// AddFormatFlag adds a standard --format/-o flag to a command.
func AddFormatFlag(cmd *cobra.Command, formatVar *string, defaultFormat OutputFormat, supportedFormats []OutputFormat) {
	formatNames := make([]string, len(supportedFormats))
	for i, f := range supportedFormats {
		formatNames[i] = string(f)
	}

	description := fmt.Sprintf("Output format (%s)", strings.Join(formatNames, ", "))
	cmd.Flags().StringVarP(formatVar, "format", "o", string(defaultFormat), description)

	errors.Must(cmd.RegisterFlagCompletionFunc("format", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return formatNames, cobra.ShellCompDirectiveNoFileComp
	}), "register format completion")
}

// ValidateFormat checks if the format is in the supported list.
func ValidateFormat(format string, supported []OutputFormat) error {
	for _, s := range supported {
		if format == string(s) {
			return nil
		}
	}

	supportedNames := make([]string, len(supported))
	for i, s := range supported {
		supportedNames[i] = string(s)
	}
	return fmt.Errorf("unsupported format %q, must be one of: %s",
		format, strings.Join(supportedNames, ", "))
}

// TargetFlags select the traced process by pid, listening port or name.
type TargetFlags struct {
	PID  int
	Port int
	Name string
}

// AddTargetFlags adds --pid/-p, --port and --name/-n to a command.
func AddTargetFlags(cmd *cobra.Command, t *TargetFlags) {
	cmd.Flags().IntVarP(&t.PID, "pid", "p", 0, "Process to trace (overrides target.pid)")
	cmd.Flags().IntVar(&t.Port, "port", 0, "Trace the process listening on this TCP port")
	cmd.Flags().StringVarP(&t.Name, "name", "n", "", "Trace the only process with this name")
	cmd.MarkFlagsMutuallyExclusive("pid", "port", "name")
}

// Apply resolves the flag the user set, if any, into cfg.Target.PID.
func (t *TargetFlags) Apply(ctx context.Context, fs *pflag.FlagSet, cfg *config.TracerConfig) error {
	switch {
	case fs.Changed("pid"):
		cfg.Target.PID = t.PID
	case fs.Changed("port"):
		pid, err := proc.New().PIDByPort(t.Port)
		if err != nil {
			return err
		}
		cfg.Target.PID = pid
	case fs.Changed("name"):
		pid, err := proc.PIDByName(ctx, t.Name)
		if err != nil {
			return err
		}
		cfg.Target.PID = pid
	}
	return nil
}

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// Register adds the global flags to fs.
func (g *GlobalFlags) Register(fs *pflag.FlagSet) {
	fs.StringVar(&g.ConfigPath, "config", "", "Configuration file (default $CORAL_TRACE_CONFIG or ~/.coral/trace.yaml)")
	fs.StringVar(&g.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&g.LogFormat, "log-format", "", "Log format (auto, json, pretty)")
}

// LoadConfig loads the layered configuration and applies the global flags
// the user set on top of it.
func (g *GlobalFlags) LoadConfig(fs *pflag.FlagSet) (*config.TracerConfig, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = g.LogLevel
	}
	if fs.Changed("log-format") {
		cfg.Logging.Format = g.LogFormat
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
