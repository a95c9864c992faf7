// Package uprobe implements a native interceptor on top of eBPF uprobes.
//
// Every hooked address gets an entry uprobe and a uretprobe carrying the
// hook's cookie. Both run the same small program, which copies the cookie,
// the calling thread and the argument or return registers into a ring
// buffer. A single reader goroutine turns the records back into listener
// calls, pairing each return with the entry of the same thread.
//
// The traced thread is not stopped while its handlers run, so listeners
// observe calls shortly after they happen.
package uprobe

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracer/internal/agent/intercept"
)

const (
	kindEnter uint64 = iota
	kindLeave
)

// DefaultRingSize is the default ring buffer size in bytes.
const DefaultRingSize = 1 << 22

// maxFrames bounds the pending entries kept per thread. Entries of a thread
// that exits mid-call never see their return.
const maxFrames = 256

// argCount is the number of argument registers captured on entry.
const argCount = 6

// eventSize is the size of a ring buffer record: kind, cookie, pid_tgid and
// the captured registers.
const eventSize = 8 * (3 + argCount)

// event is a decoded ring buffer record.
type event struct {
	Kind    uint64
	Cookie  uint64
	PIDTGID uint64
	Regs    [argCount]uint64
}

// ThreadID returns the kernel thread id of the traced thread.
func (e event) ThreadID() uint64 {
	return e.PIDTGID & 0xffffffff
}

func decodeEvent(raw []byte) (event, error) {
	if len(raw) < eventSize {
		return event{}, fmt.Errorf("short record: %d bytes", len(raw))
	}
	word := func(i int) uint64 {
		return binary.NativeEndian.Uint64(raw[i*8:])
	}

	e := event{Kind: word(0), Cookie: word(1), PIDTGID: word(2)}
	for i := range e.Regs {
		e.Regs[i] = word(3 + i)
	}
	return e, nil
}

type hook struct {
	address  uint64
	listener intercept.Listener
}

type frame struct {
	cookie uint64
	ctx    *intercept.InvocationContext
}

// dispatcher routes decoded events to listeners. Returns are matched to the
// innermost pending entry of the same hook on the same thread.
type dispatcher struct {
	mu     sync.Mutex
	hooks  map[uint64]*hook
	stacks map[uint64][]frame
	logger zerolog.Logger
}

func newDispatcher(logger zerolog.Logger) *dispatcher {
	return &dispatcher{
		hooks:  make(map[uint64]*hook),
		stacks: make(map[uint64][]frame),
		logger: logger,
	}
}

func (d *dispatcher) register(cookie uint64, h *hook) {
	d.mu.Lock()
	d.hooks[cookie] = h
	d.mu.Unlock()
}

func (d *dispatcher) unregister(cookie uint64) {
	d.mu.Lock()
	delete(d.hooks, cookie)
	d.mu.Unlock()
}

func (d *dispatcher) dispatch(e event) {
	d.mu.Lock()
	h, ok := d.hooks[e.Cookie]
	if !ok {
		d.mu.Unlock()
		d.logger.Debug().Uint64("cookie", e.Cookie).Msg("Event for unknown hook")
		return
	}

	tid := e.ThreadID()
	var ctx *intercept.InvocationContext
	switch e.Kind {
	case kindEnter:
		args := make([]any, argCount)
		for i, reg := range e.Regs {
			args[i] = reg
		}
		ctx = &intercept.InvocationContext{ThreadID: tid, Args: args}
		d.push(tid, frame{cookie: e.Cookie, ctx: ctx})
	case kindLeave:
		ctx = d.pop(tid, e.Cookie)
		if ctx == nil {
			// The entry was missed, typically because the hook was installed
			// while the call was in flight.
			ctx = &intercept.InvocationContext{ThreadID: tid}
		}
		ctx.Retval = e.Regs[0]
	default:
		d.mu.Unlock()
		d.logger.Warn().Uint64("kind", e.Kind).Msg("Unknown event kind")
		return
	}
	d.mu.Unlock()

	if e.Kind == kindEnter {
		h.listener.OnEnter(ctx)
	} else {
		h.listener.OnLeave(ctx)
	}
}

func (d *dispatcher) push(tid uint64, f frame) {
	stack := d.stacks[tid]
	if len(stack) >= maxFrames {
		n := copy(stack, stack[1:])
		clear(stack[n:])
		stack = stack[:n]
		d.logger.Debug().Uint64("tid", tid).Msg("Dropped oldest pending entry")
	}
	d.stacks[tid] = append(stack, f)
}

// pop removes the innermost entry of cookie on tid. Returns of one thread
// arrive in LIFO order, so frames above it were unwound without returning
// (longjmp, exceptions) and are dropped with it.
func (d *dispatcher) pop(tid, cookie uint64) *intercept.InvocationContext {
	stack := d.stacks[tid]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].cookie != cookie {
			continue
		}
		ctx := stack[i].ctx
		if unwound := len(stack) - i - 1; unwound > 0 {
			d.logger.Debug().Uint64("tid", tid).Int("frames", unwound).Msg("Dropped unwound entries")
		}
		clear(stack[i:])
		stack = stack[:i]
		if len(stack) == 0 {
			delete(d.stacks, tid)
		} else {
			d.stacks[tid] = stack
		}
		return ctx
	}
	return nil
}
