package uprobe

import (
	"encoding/binary"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/tracer/internal/agent/intercept"
)

type recordingListener struct {
	mu     sync.Mutex
	enters []*intercept.InvocationContext
	leaves []*intercept.InvocationContext
}

func (l *recordingListener) OnEnter(ctx *intercept.InvocationContext) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enters = append(l.enters, ctx)
}

func (l *recordingListener) OnLeave(ctx *intercept.InvocationContext) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leaves = append(l.leaves, ctx)
}

func record(kind, cookie, pidTgid uint64, regs ...uint64) []byte {
	raw := make([]byte, eventSize)
	binary.NativeEndian.PutUint64(raw[0:], kind)
	binary.NativeEndian.PutUint64(raw[8:], cookie)
	binary.NativeEndian.PutUint64(raw[16:], pidTgid)
	for i, r := range regs {
		binary.NativeEndian.PutUint64(raw[24+8*i:], r)
	}
	return raw
}

func TestDecodeEvent(t *testing.T) {
	e, err := decodeEvent(record(kindEnter, 7, 42<<32|1234, 1, 2, 3, 4, 5, 6))
	require.NoError(t, err)

	assert.Equal(t, kindEnter, e.Kind)
	assert.Equal(t, uint64(7), e.Cookie)
	assert.Equal(t, uint64(1234), e.ThreadID())
	assert.Equal(t, [argCount]uint64{1, 2, 3, 4, 5, 6}, e.Regs)

	_, err = decodeEvent(make([]byte, eventSize-1))
	assert.Error(t, err)
}

func dispatchRaw(t *testing.T, d *dispatcher, raw []byte) {
	t.Helper()
	e, err := decodeEvent(raw)
	require.NoError(t, err)
	d.dispatch(e)
}

func TestDispatcherPairsEnterAndLeave(t *testing.T) {
	d := newDispatcher(zerolog.Nop())
	l := &recordingListener{}
	d.register(1, &hook{address: 0x1000, listener: l})

	dispatchRaw(t, d, record(kindEnter, 1, 10, 0xa, 0xb))
	dispatchRaw(t, d, record(kindLeave, 1, 10, 0xff))

	require.Len(t, l.enters, 1)
	require.Len(t, l.leaves, 1)
	assert.Same(t, l.enters[0], l.leaves[0])
	assert.Equal(t, uint64(10), l.enters[0].ThreadID)
	assert.Equal(t, uint64(0xa), l.enters[0].Args[0])
	assert.Equal(t, uint64(0xff), l.leaves[0].Retval)
	assert.Empty(t, d.stacks)
}

func TestDispatcherRecursionUsesInnermostFrame(t *testing.T) {
	d := newDispatcher(zerolog.Nop())
	l := &recordingListener{}
	d.register(1, &hook{listener: l})

	dispatchRaw(t, d, record(kindEnter, 1, 10, 1))
	dispatchRaw(t, d, record(kindEnter, 1, 10, 2))
	dispatchRaw(t, d, record(kindLeave, 1, 10, 20))
	dispatchRaw(t, d, record(kindLeave, 1, 10, 10))

	require.Len(t, l.leaves, 2)
	assert.Same(t, l.enters[1], l.leaves[0])
	assert.Same(t, l.enters[0], l.leaves[1])
}

func TestDispatcherSeparatesThreadsAndHooks(t *testing.T) {
	d := newDispatcher(zerolog.Nop())
	outer := &recordingListener{}
	inner := &recordingListener{}
	d.register(1, &hook{listener: outer})
	d.register(2, &hook{listener: inner})

	dispatchRaw(t, d, record(kindEnter, 1, 10))
	dispatchRaw(t, d, record(kindEnter, 1, 11))
	dispatchRaw(t, d, record(kindEnter, 2, 10))
	dispatchRaw(t, d, record(kindLeave, 2, 10))
	dispatchRaw(t, d, record(kindLeave, 1, 10))
	dispatchRaw(t, d, record(kindLeave, 1, 11))

	require.Len(t, outer.leaves, 2)
	assert.Same(t, outer.enters[0], outer.leaves[0])
	assert.Same(t, outer.enters[1], outer.leaves[1])
	require.Len(t, inner.leaves, 1)
	assert.Same(t, inner.enters[0], inner.leaves[0])
}

func TestDispatcherDropsUnwoundFrames(t *testing.T) {
	d := newDispatcher(zerolog.Nop())
	outer := &recordingListener{}
	inner := &recordingListener{}
	d.register(1, &hook{listener: outer})
	d.register(2, &hook{listener: inner})

	// inner never returns, e.g. it longjmps back into outer.
	dispatchRaw(t, d, record(kindEnter, 1, 10))
	dispatchRaw(t, d, record(kindEnter, 2, 10))
	dispatchRaw(t, d, record(kindLeave, 1, 10))

	require.Len(t, outer.leaves, 1)
	assert.Same(t, outer.enters[0], outer.leaves[0])
	assert.Empty(t, d.stacks)
}

func TestDispatcherBoundsPendingEntries(t *testing.T) {
	d := newDispatcher(zerolog.Nop())
	l := &recordingListener{}
	d.register(1, &hook{listener: l})

	for i := range maxFrames + 10 {
		dispatchRaw(t, d, record(kindEnter, 1, 10, uint64(i)))
	}
	stack := d.stacks[10]
	require.Len(t, stack, maxFrames)
	assert.Equal(t, uint64(10), stack[0].ctx.Args[0], "oldest entries are dropped first")
	assert.Same(t, l.enters[len(l.enters)-1], stack[maxFrames-1].ctx)

	dispatchRaw(t, d, record(kindLeave, 1, 10))
	assert.Same(t, l.enters[len(l.enters)-1], l.leaves[0])
	assert.Len(t, d.stacks[10], maxFrames-1)
}

func TestDispatcherLeaveWithoutEnter(t *testing.T) {
	d := newDispatcher(zerolog.Nop())
	l := &recordingListener{}
	d.register(1, &hook{listener: l})

	dispatchRaw(t, d, record(kindLeave, 1, 10, 5))

	require.Len(t, l.leaves, 1)
	assert.Equal(t, uint64(10), l.leaves[0].ThreadID)
	assert.Equal(t, uint64(5), l.leaves[0].Retval)
}

func TestDispatcherIgnoresUnknownCookie(t *testing.T) {
	d := newDispatcher(zerolog.Nop())
	l := &recordingListener{}
	d.register(1, &hook{listener: l})
	d.unregister(1)

	dispatchRaw(t, d, record(kindEnter, 1, 10))
	assert.Empty(t, l.enters)
}

func TestDecodePrologue(t *testing.T) {
	// push rbp; mov rbp, rsp
	assert.NoError(t, decodePrologue([]byte{0x55, 0x48, 0x89, 0xe5}, "amd64"))
	assert.ErrorIs(t, decodePrologue([]byte{0xcc, 0x90}, "amd64"), intercept.ErrNotHookable)
	assert.ErrorIs(t, decodePrologue(nil, "amd64"), intercept.ErrNotHookable)

	// stp x29, x30, [sp, #-16]!
	assert.NoError(t, decodePrologue([]byte{0xfd, 0x7b, 0xbf, 0xa9}, "arm64"))
	assert.ErrorIs(t, decodePrologue([]byte{0x00, 0x00}, "arm64"), intercept.ErrNotHookable)

	assert.ErrorIs(t, decodePrologue([]byte{0x90}, "riscv64"), intercept.ErrNotHookable)
}

func TestEffectiveCapabilities(t *testing.T) {
	status := "Name:\tcoral-trace\nCapInh:\t0000000000000000\nCapEff:\t000001c000200000\n"
	capEff, err := effectiveCapabilities(strings.NewReader(status))
	require.NoError(t, err)
	assert.True(t, canLoadBPF(capEff))

	capEff, err = effectiveCapabilities(strings.NewReader("CapEff:\t0000008000000000\n"))
	require.NoError(t, err)
	assert.False(t, canLoadBPF(capEff), "CAP_BPF without CAP_PERFMON")

	_, err = effectiveCapabilities(strings.NewReader("Name:\tx\n"))
	assert.Error(t, err)
}
