package intercept

import (
	"errors"
	"fmt"

	"github.com/coral-mesh/tracer/internal/agent/handler"
)

// ErrNotHookable is returned by interceptors for addresses they refuse to
// instrument.
var ErrNotHookable = errors.New("target is not hookable")

// InvocationContext is the state of one native call. Interceptors must pass
// the same context to OnEnter and OnLeave of a call.
type InvocationContext struct {
	ThreadID uint64
	// Args are the raw argument registers, set before OnEnter.
	Args []any
	// Retval is the raw return register, set before OnLeave.
	Retval any

	pair   *handler.Pair
	locals map[string]any
}

// Listener is called by an Interceptor on entry and exit of a hooked
// function.
type Listener interface {
	OnEnter(ctx *InvocationContext)
	OnLeave(ctx *InvocationContext)
}

// Interceptor installs native hooks.
type Interceptor interface {
	Attach(address uint64, l Listener) error
}

type nativeListener struct {
	engine *Engine
	slot   *handler.Slot
}

func (l *nativeListener) OnEnter(ctx *InvocationContext) {
	ctx.pair = l.slot.Load()
	l.engine.invokeNativeHandler(l.slot, ctx.pair.OnEnter, ctx, ctx.Args, handler.Enter)
}

func (l *nativeListener) OnLeave(ctx *InvocationContext) {
	pair := ctx.pair
	if pair == nil {
		pair = l.slot.Load()
	}
	l.engine.invokeNativeHandler(l.slot, pair.OnLeave, ctx, ctx.Retval, handler.Leave)
}

// invokeNativeHandler runs callback for one side of a native call. param is
// the argument list on entry and the return value on exit.
func (e *Engine) invokeNativeHandler(slot *handler.Slot, callback handler.Callback,
	ctx *InvocationContext, param any, cut handler.CutPoint) {
	inv := &handler.Invocation{Locals: ctx.locals}
	if cut == handler.Enter {
		inv.Args, _ = param.([]any)
	} else {
		inv.Retval = param
	}

	if _, err := e.invoke(slot, callback, ctx.ThreadID, cut, inv); err != nil {
		e.handlerFailed(slot, cut, err)
	}
	ctx.locals = inv.Locals
}

// Listener returns the listener that runs the handler of slot.
func (e *Engine) Listener(slot *handler.Slot) Listener {
	return &nativeListener{engine: e, slot: slot}
}

// AttachNative hooks address with the handler of slot. A failure is
// reported as a warning naming the target and false is returned.
func (e *Engine) AttachNative(ic Interceptor, address uint64, slot *handler.Slot) bool {
	if err := ic.Attach(address, e.Listener(slot)); err != nil {
		e.logger.Warn().
			Err(err).
			Str("target", slot.Name).
			Str("address", fmt.Sprintf("0x%x", address)).
			Msg("Skipping target")
		e.warn(fmt.Sprintf("Skipping %q: %v", slot.Name, err))
		return false
	}
	return true
}
