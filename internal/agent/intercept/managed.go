package intercept

import (
	"fmt"

	"github.com/coral-mesh/tracer/internal/agent/handler"
	"github.com/coral-mesh/tracer/internal/agent/target"
)

// Implementation is the body of a managed method.
type Implementation func(instance any, args []any) (any, error)

// Method is one overload of a managed method dispatcher.
type Method interface {
	// Invoke calls the original implementation.
	Invoke(instance any, args []any) (any, error)
	// SetImplementation replaces the implementation the runtime dispatches to.
	SetImplementation(fn Implementation)
}

// JavaDispatch looks up method dispatchers in the managed runtime. Calls are
// only valid inside JavaRuntime.Perform.
type JavaDispatch interface {
	Overloads(loader target.Loader, class, method string) ([]Method, error)
}

// InstallManaged wraps every overload of class.method with the handler of
// slot.
func (e *Engine) InstallManaged(d JavaDispatch, loader target.Loader, class, method string, slot *handler.Slot) error {
	overloads, err := d.Overloads(loader, class, method)
	if err != nil {
		return fmt.Errorf("look up %s.%s: %w", class, method, err)
	}
	for _, m := range overloads {
		m.SetImplementation(e.WrapManaged(slot, m))
	}
	return nil
}

// WrapManaged returns an implementation that runs the entry handler, calls
// m, runs the exit handler and returns its replacement value when it has
// one. The handler pair is loaded once per call.
func (e *Engine) WrapManaged(slot *handler.Slot, m Method) Implementation {
	return func(instance any, args []any) (any, error) {
		pair := slot.Load()
		threadID := e.threadID()

		enter := &handler.Invocation{Instance: instance, Args: args}
		if _, err := e.invokeManagedHandler(slot, pair.OnEnter, threadID, handler.Enter, enter); err != nil {
			e.depths.UpdateDepth(threadID, handler.Leave)
			return nil, err
		}

		retval, err := m.Invoke(instance, args)
		if err != nil {
			e.depths.UpdateDepth(threadID, handler.Leave)
			return nil, err
		}

		leave := &handler.Invocation{Instance: instance, Retval: retval, Locals: enter.Locals}
		replacement, err := e.invokeManagedHandler(slot, pair.OnLeave, threadID, handler.Leave, leave)
		if err != nil {
			return nil, err
		}
		if replacement != nil {
			return replacement, nil
		}
		return retval, nil
	}
}

// invokeManagedHandler runs callback for one side of a managed call. Managed
// exceptions are returned so the runtime throws them. Other failures are
// reported on the next tick and the call proceeds.
func (e *Engine) invokeManagedHandler(slot *handler.Slot, callback handler.Callback, threadID uint64,
	cut handler.CutPoint, inv *handler.Invocation) (any, error) {
	result, err := e.invoke(slot, callback, threadID, cut, inv)
	if err == nil {
		return result, nil
	}
	if handler.IsManagedException(err) {
		return nil, err
	}
	e.nextTick(func() {
		e.handlerFailed(slot, cut, err)
	})
	return nil, nil
}
