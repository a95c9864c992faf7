// Package agent implements the coral-trace agent command.
package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coral-mesh/tracer/internal/agent"
	"github.com/coral-mesh/tracer/internal/agent/ebpf/uprobe"
	"github.com/coral-mesh/tracer/internal/agent/intercept"
	"github.com/coral-mesh/tracer/internal/agent/transport"
	"github.com/coral-mesh/tracer/internal/cli/helpers"
	"github.com/coral-mesh/tracer/internal/config"
	"github.com/coral-mesh/tracer/internal/errors"
	"github.com/coral-mesh/tracer/internal/safe"
	"github.com/coral-mesh/tracer/pkg/version"
)

// maxInitScriptSize bounds init scripts read from disk.
const maxInitScriptSize = 1 << 20

type options struct {
	target      helpers.TargetFlags
	url         string
	sessionID   string
	initScripts []string
	noUprobes   bool
}

// apply copies the flags the user set over cfg.
func (o *options) apply(ctx context.Context, fs *pflag.FlagSet, cfg *config.TracerConfig) error {
	if err := o.target.Apply(ctx, fs, cfg); err != nil {
		return err
	}
	if fs.Changed("url") {
		cfg.Host.URL = o.url
	}
	if fs.Changed("session-id") {
		cfg.Host.SessionID = o.sessionID
	}
	if fs.Changed("init-script") {
		cfg.Agent.InitScripts = o.initScripts
	}
	if o.noUprobes {
		cfg.Uprobe.Enabled = false
	}
	return nil
}

// NewAgentCmd creates the agent command.
func NewAgentCmd(g *helpers.GlobalFlags) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Attach to a process and serve tracing requests from the host",
		Long: `Attach to a process and serve tracing requests from the host.

The agent dials the host over WebSocket, then waits for an init request
carrying the trace spec. Matching functions are hooked with uprobes and every
call is evaluated by the handler script the host supplies for it.

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (CORAL_TRACE_*)
3. Config file (--config, $CORAL_TRACE_CONFIG or ~/.coral/trace.yaml)
4. Defaults

Examples:
  # Trace pid 4242 against a local host
  coral-trace agent --pid 4242

  # Trace whatever listens on port 8080
  coral-trace agent --port 8080

  # Authenticate with a shared secret
  CORAL_TRACE_HOST_SECRET=... coral-trace agent --pid 4242 --url wss://host:9600/agent`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.LoadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := opts.apply(ctx, cmd.Flags(), cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := helpers.NewLogger(cfg.Logging, "agent")

			return run(ctx, cfg, logger)
		},
	}

	helpers.AddTargetFlags(cmd, &opts.target)
	cmd.Flags().StringVar(&opts.url, "url", "", "Host WebSocket URL (overrides host.url)")
	cmd.Flags().StringVar(&opts.sessionID, "session-id", "", "Session id (generated when empty)")
	cmd.Flags().StringArrayVar(&opts.initScripts, "init-script", nil, "Init script file, repeatable (overrides agent.init_scripts)")
	cmd.Flags().BoolVar(&opts.noUprobes, "no-uprobes", false, "Resolve targets without hooking them")

	return cmd
}

func run(ctx context.Context, cfg *config.TracerConfig, logger zerolog.Logger) error {
	target, err := helpers.OpenTarget(cfg.Target.PID, cfg, logger)
	if err != nil {
		return err
	}

	initScripts, err := readInitScripts(cfg.Agent.InitScripts)
	if err != nil {
		return err
	}

	var interceptor intercept.Interceptor
	if ic := newInterceptor(cfg, target, logger); ic != nil {
		defer errors.DeferClose(logger, ic, "Failed to stop uprobe interceptor")
		interceptor = ic
	}

	var secret []byte
	if cfg.Host.Secret != "" {
		secret = []byte(cfg.Host.Secret)
	}
	ws, err := transport.Dial(ctx, transport.DialOptions{
		URL:              cfg.Host.URL,
		Secret:           secret,
		SessionID:        cfg.Host.SessionID,
		TokenTTL:         cfg.Host.TokenTTL,
		HandshakeTimeout: cfg.Host.HandshakeTimeout,
		Retry:            cfg.Host.Retry.DialRetry(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to host: %w", err)
	}
	defer errors.DeferClose(logger, ws, "Failed to close host connection")

	a, err := agent.New(agent.Config{
		SessionID:     cfg.Host.SessionID,
		Transport:     ws,
		Collaborators: target.Collaborators,
		Interceptor:   interceptor,
		FlushDelay:    cfg.Agent.FlushInterval,
		PageSize:      cfg.Agent.PageSize,
		InitScripts:   initScripts,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer a.Dispose()

	logger.Info().
		Int("pid", target.PID).
		Str("session_id", a.ID()).
		Str("host", cfg.Host.URL).
		Bool("hooks", interceptor != nil).
		Str("version", version.String()).
		Msg("Agent connected")

	err = a.Serve(ctx)
	if ctx.Err() != nil {
		logger.Info().Msg("Shutting down")
		return nil
	}
	return err
}

// newInterceptor returns nil when hooking is disabled or unavailable. The
// agent then reports every native target as skipped.
func newInterceptor(cfg *config.TracerConfig, target *helpers.Target, logger zerolog.Logger) *uprobe.Interceptor {
	if !cfg.Uprobe.Enabled {
		logger.Info().Msg("Uprobes disabled, targets will be resolved but not hooked")
		return nil
	}

	caps := uprobe.DetectCapabilities()
	if !caps.Supported {
		logger.Warn().
			Str("kernel", caps.KernelVersion).
			Bool("cap_bpf", caps.CapBPF).
			Bool("ring_buffer", caps.RingBuffer).
			Bool("attach_cookie", caps.AttachCookie).
			Msg("Uprobes unavailable on this host, targets will not be hooked")
		return nil
	}

	ic, err := uprobe.New(uprobe.Config{
		PID:      target.PID,
		Modules:  target.Modules,
		RingSize: cfg.Uprobe.RingSize,
		Logger:   logger,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to start uprobe interceptor, targets will not be hooked")
		return nil
	}
	return ic
}

func readInitScripts(paths []string) ([]agent.InitScript, error) {
	scripts := make([]agent.InitScript, 0, len(paths))
	for _, path := range paths {
		data, err := safe.ReadFile(path, &safe.ReadOptions{MaxSize: maxInitScriptSize, AllowSymlinks: true})
		if err != nil {
			return nil, fmt.Errorf("failed to read init script: %w", err)
		}
		scripts = append(scripts, agent.InitScript{Filename: path, Source: string(data)})
	}
	return scripts, nil
}
