// Package cli wires the coral-trace commands.
package cli

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/tracer/internal/agent/ebpf/uprobe"
	"github.com/coral-mesh/tracer/internal/cli/agent"
	"github.com/coral-mesh/tracer/internal/cli/helpers"
	"github.com/coral-mesh/tracer/internal/cli/resolve"
	"github.com/coral-mesh/tracer/internal/cli/schema"
	"github.com/coral-mesh/tracer/pkg/version"
)

// NewRootCmd builds the coral-trace command tree.
func NewRootCmd() *cobra.Command {
	var global helpers.GlobalFlags

	rootCmd := &cobra.Command{
		Use:   "coral-trace",
		Short: "Coral trace - dynamic function tracing for running processes",
		Long: `Trace function calls of a running process without restarting it.

coral-trace resolves include/exclude patterns to functions of the target,
hooks them with eBPF uprobes and runs a small handler script for every call.
Trace events are batched and streamed to a host over WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	global.Register(rootCmd.PersistentFlags())

	rootCmd.AddCommand(agent.NewAgentCmd(&global))
	rootCmd.AddCommand(resolve.NewResolveCmd(&global))
	rootCmd.AddCommand(schema.NewSchemaCmd())
	rootCmd.AddCommand(newCapabilitiesCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("coral-trace version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
			cmd.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newCapabilitiesCmd() *cobra.Command {
	var format string
	supported := []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON}

	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Report whether this host can hook functions with uprobes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, supported); err != nil {
				return err
			}
			caps := uprobe.DetectCapabilities()
			if helpers.OutputFormat(format) == helpers.FormatJSON {
				return (&helpers.JSONFormatter{}).Format(caps, cmd.OutOrStdout())
			}

			cmd.Printf("Kernel:         %s\n", caps.KernelVersion)
			cmd.Printf("BTF:            %t\n", caps.BTF)
			cmd.Printf("CAP_BPF:        %t\n", caps.CapBPF)
			cmd.Printf("Ring buffer:    %t\n", caps.RingBuffer)
			cmd.Printf("Attach cookie:  %t\n", caps.AttachCookie)
			cmd.Printf("Uprobes usable: %t\n", caps.Supported)
			return nil
		},
	}
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, supported)
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
