// Package agent is the tracer agent façade: it resolves a trace spec into
// targets, fetches their handlers from the host, installs hooks and streams
// trace events back.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracer/internal/agent/emitter"
	"github.com/coral-mesh/tracer/internal/agent/handler"
	"github.com/coral-mesh/tracer/internal/agent/intercept"
	"github.com/coral-mesh/tracer/internal/agent/protocol"
	"github.com/coral-mesh/tracer/internal/agent/resolver"
)

// State is the lifecycle state of an agent.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateStarted
	// StateFailed is entered when tracing could not start after Init.
	StateFailed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateStarted:
		return "started"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrAlreadyInitialized is returned by a second Init call.
	ErrAlreadyInitialized = errors.New("agent already initialized")
	// ErrDisposed is returned by operations on a disposed agent.
	ErrDisposed = errors.New("agent disposed")
)

// ScriptCompiler compiles handler scripts and runs initialization scripts.
type ScriptCompiler interface {
	handler.Compiler
	RunInit(source string, session *handler.Session) error
}

// InitScript is an initialization script evaluated before tracing starts.
type InitScript struct {
	Filename string `json:"filename"`
	Source   string `json:"source"`
}

// Config contains agent configuration.
type Config struct {
	// SessionID identifies the agent in logs and host tokens. Generated when
	// empty.
	SessionID string

	Transport     protocol.Transport
	Compiler      ScriptCompiler
	Collaborators resolver.Collaborators
	Interceptor   intercept.Interceptor
	JavaDispatch  intercept.JavaDispatch

	FlushDelay time.Duration
	PageSize   int

	// InitScripts run before the ones sent by the host on init.
	InitScripts []InitScript

	// ThreadID overrides the thread id source of managed calls.
	ThreadID func() uint64

	Logger zerolog.Logger
}

// Agent drives one tracing session.
type Agent struct {
	id     string
	cfg    Config
	logger zerolog.Logger

	state    atomic.Int32
	registry *handler.Registry
	emitter  *emitter.Emitter
	resolver *resolver.Resolver

	loop   *loop
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an agent in the uninitialized state.
func New(cfg Config) (*Agent, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Compiler == nil {
		compiler, err := handler.NewCELCompiler(0)
		if err != nil {
			return nil, err
		}
		cfg.Compiler = compiler
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = protocol.DefaultPageSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		id:     cfg.SessionID,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("session_id", cfg.SessionID).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	a.registry = handler.NewRegistry(cfg.Compiler, a.warn, a.logger)
	a.emitter = emitter.New(cfg.Transport, cfg.FlushDelay, a.logger)
	a.resolver = resolver.New(cfg.Collaborators, a.logger)
	a.loop = newLoop()

	return a, nil
}

// ID returns the session id.
func (a *Agent) ID() string {
	return a.id
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// HandlerCount returns the number of registered handlers.
func (a *Agent) HandlerCount() int {
	return a.registry.Len()
}

// Init installs the session values, evaluates the initialization scripts
// and starts resolving spec on the control loop. A failing init script is
// returned. Everything after that is reported to the host as agent:error.
func (a *Agent) Init(stage string, parameters map[string]any, initScripts []InitScript, spec [][3]string) error {
	if !a.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		if a.State() == StateDisposed {
			return ErrDisposed
		}
		return ErrAlreadyInitialized
	}

	session := handler.NewSession(stage, parameters)
	scripts := append(append([]InitScript(nil), a.cfg.InitScripts...), initScripts...)
	for _, script := range scripts {
		if err := a.cfg.Compiler.RunInit(script.Source, session); err != nil {
			a.Dispose()
			return fmt.Errorf("unable to load %s: %w", script.Filename, err)
		}
	}

	engine := intercept.NewEngine(a.emitter, intercept.Options{
		Session:  session,
		Warn:     a.warn,
		NextTick: a.loop.post,
		ThreadID: a.cfg.ThreadID,
	}, a.logger)

	a.logger.Info().
		Str("stage", stage).
		Int("init_scripts", len(scripts)).
		Int("spec_entries", len(spec)).
		Msg("Agent initializing")

	a.loop.post(func() {
		if err := a.start(a.ctx, engine, spec); err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.state.CompareAndSwap(int32(StateInitializing), int32(StateFailed))
			a.logger.Error().Err(err).Msg("Tracing failed to start")
			a.send(protocol.Notice{Type: protocol.TypeError, Message: err.Error()})
		}
	})
	return nil
}

// Update recompiles the handler of id and swaps it in. The next invocation
// of the target uses the new script.
func (a *Agent) Update(id int, name, script string) error {
	if a.State() == StateDisposed {
		return ErrDisposed
	}
	return a.registry.Update(handler.ID(id), name, script)
}

// Dispose stops event emission and flushes what is buffered. Hooks are left
// installed.
func (a *Agent) Dispose() {
	if State(a.state.Swap(int32(StateDisposed))) == StateDisposed {
		return
	}
	a.cancel()
	a.loop.stop()
	a.emitter.Dispose()

	a.logger.Info().Int("handlers", a.registry.Len()).Msg("Agent disposed")
}

func (a *Agent) warn(message string) {
	a.logger.Warn().Msg(message)
	a.send(protocol.Notice{Type: protocol.TypeWarning, Message: message})
}

func (a *Agent) send(msg any) {
	if err := a.cfg.Transport.Send(msg); err != nil {
		a.logger.Error().Err(err).Msg("Failed to send message to host")
	}
}
