package handler

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCompiler(t *testing.T) *CELCompiler {
	t.Helper()
	c, err := NewCELCompiler(0)
	require.NoError(t, err)
	return c
}

// recordLog returns an invocation whose Log appends to lines.
func recordLog(lines *[]string) *Invocation {
	return &Invocation{
		Session: NewSession("early", nil),
		Log: func(parts ...any) {
			*lines = append(*lines, FormatMessage(parts...))
		},
	}
}

func TestCELCompiler_LogShorthand(t *testing.T) {
	c := newCompiler(t)
	pair, err := c.Compile("open", `onEnter: '"open(" + string(args[0]) + ")"'`)
	require.NoError(t, err)

	var lines []string
	inv := recordLog(&lines)
	inv.Args = []any{"/etc/hosts"}

	_, err = pair.OnEnter(inv)
	require.NoError(t, err)
	_, err = pair.OnLeave(inv)
	require.NoError(t, err)

	assert.Equal(t, []string{"open(/etc/hosts)"}, lines)
}

func TestCELCompiler_LogList(t *testing.T) {
	c := newCompiler(t)
	pair, err := c.Compile("read", `
onLeave:
  log: '["read", target, "=>", retval]'
`)
	require.NoError(t, err)

	var lines []string
	inv := recordLog(&lines)
	inv.Target = "read"
	inv.Retval = int64(42)

	_, err = pair.OnLeave(inv)
	require.NoError(t, err)
	assert.Equal(t, []string{"read read => 42"}, lines)
}

func TestCELCompiler_SyntaxErrors(t *testing.T) {
	c := newCompiler(t)

	tests := []struct {
		name   string
		source string
	}{
		{"empty", ""},
		{"comment only", "# nothing\n"},
		{"bad yaml", "onEnter: [unterminated"},
		{"not a mapping", "just text"},
		{"unknown key", "onEnter:\n  logg: '\"x\"'\n"},
		{"bad cel", `onEnter: '"a" +'`},
		{"bad state expr", "onLeave:\n  state:\n    n: '1 +'\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compile("bad_fn", tt.source)
			assert.Error(t, err)
		})
	}
}

func TestCELCompiler_MissingSlotsAreNoops(t *testing.T) {
	c := newCompiler(t)
	pair, err := c.Compile("f", `onEnter: '"in"'`)
	require.NoError(t, err)

	var lines []string
	ret, err := pair.OnLeave(recordLog(&lines))
	require.NoError(t, err)
	assert.Nil(t, ret)
	assert.Empty(t, lines)
}

func TestCELCompiler_StateAndLocals(t *testing.T) {
	c := newCompiler(t)
	pair, err := c.Compile("open", `
onEnter:
  state:
    opens: 'has(state.opens) ? state.opens + 1 : 1'
  locals:
    path: 'string(args[0])'
onLeave:
  log: 'locals.path + " #" + string(state.opens)'
`)
	require.NoError(t, err)

	session := NewSession("late", nil)
	var lines []string
	for i := 0; i < 2; i++ {
		inv := &Invocation{
			Session: session,
			Args:    []any{"/tmp/x"},
			Log:     func(parts ...any) { lines = append(lines, FormatMessage(parts...)) },
		}
		_, err = pair.OnEnter(inv)
		require.NoError(t, err)
		_, err = pair.OnLeave(inv)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"/tmp/x #1", "/tmp/x #2"}, lines)
	opens, ok := session.State.Get("opens")
	require.True(t, ok)
	assert.Equal(t, int64(2), opens)
}

func TestCELCompiler_StateIsSharedAcrossThreads(t *testing.T) {
	c := newCompiler(t)
	pair, err := c.Compile("hit", `
onEnter:
  state:
    hits: 'has(state.hits) ? state.hits + 1 : 1'
`)
	require.NoError(t, err)

	session := NewSession("", nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := pair.OnEnter(&Invocation{Session: session})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	hits, _ := session.State.Get("hits")
	assert.Equal(t, int64(400), hits)
}

func TestCELCompiler_RetvalReplacement(t *testing.T) {
	c := newCompiler(t)
	pair, err := c.Compile("isDebuggable", `
onLeave:
  retval: 'false'
`)
	require.NoError(t, err)

	ret, err := pair.OnLeave(&Invocation{Retval: true})
	require.NoError(t, err)
	assert.Equal(t, false, ret)
}

func TestCELCompiler_RaiseProducesManagedException(t *testing.T) {
	c := newCompiler(t)
	pair, err := c.Compile("check", `
onEnter:
  log: 'size(args) == 0 ? raise("java.lang.IllegalStateException", "no args") : "ok"'
`)
	require.NoError(t, err)

	_, err = pair.OnEnter(&Invocation{})
	require.Error(t, err)
	assert.True(t, IsManagedException(err))
}

func TestCELCompiler_RuntimeErrorIsNotManaged(t *testing.T) {
	c := newCompiler(t)
	pair, err := c.Compile("oops", `onEnter: 'string(args[3])'`)
	require.NoError(t, err)

	_, err = pair.OnEnter(&Invocation{Args: []any{1}})
	require.Error(t, err)
	assert.False(t, IsManagedException(err))
}

func TestCELCompiler_CachesIdenticalSources(t *testing.T) {
	c := newCompiler(t)
	src := `onEnter: '"x"'`
	_, err := c.Compile("a", src)
	require.NoError(t, err)
	_, err = c.Compile("b", src)
	require.NoError(t, err)
	assert.Equal(t, 1, c.cache.Len())
}

func TestCELCompiler_RunInit(t *testing.T) {
	c := newCompiler(t)
	session := NewSession("early", map[string]any{"limit": int64(5)})

	err := c.RunInit(`
state:
  limit: 'parameters.limit * 2'
  stage: 'stage'
`, session)
	require.NoError(t, err)

	limit, _ := session.State.Get("limit")
	assert.Equal(t, int64(10), limit)
	stage, _ := session.State.Get("stage")
	assert.Equal(t, "early", stage)

	assert.Error(t, c.RunInit("state:\n  x: 'nope('\n", session))
}

// stubCompiler fails for sources equal to "bad".
type stubCompiler struct{}

func (stubCompiler) Compile(name, source string) (Pair, error) {
	if source == "bad" {
		return Pair{}, errors.New("syntax error")
	}
	return Funcs(func(inv *Invocation) (any, error) {
		inv.Log(source)
		return nil, nil
	}, nil), nil
}

func TestRegistry_ReserveContiguousRanges(t *testing.T) {
	r := NewRegistry(stubCompiler{}, nil, zerolog.Nop())

	assert.Equal(t, ID(1), r.Reserve(3))
	assert.Equal(t, ID(4), r.Reserve(1000))
	assert.Equal(t, ID(1004), r.Reserve(0))
	assert.Equal(t, ID(1004), r.NextID())
}

func TestRegistry_RegisterWarnsOnBadScript(t *testing.T) {
	var warnings []string
	r := NewRegistry(stubCompiler{}, func(msg string) { warnings = append(warnings, msg) }, zerolog.Nop())

	good := r.Register(1, "good_fn", "good")
	bad := r.Register(2, "bad_fn", "bad")

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], `"bad_fn"`)
	assert.Equal(t, 2, r.Len())

	var lines []string
	inv := &Invocation{Log: func(parts ...any) { lines = append(lines, FormatMessage(parts...)) }}
	_, _ = good.Load().OnEnter(inv)
	_, _ = bad.Load().OnEnter(inv)
	_, _ = bad.Load().OnLeave(inv)
	assert.Equal(t, []string{"good"}, lines)
}

func TestRegistry_Update(t *testing.T) {
	r := NewRegistry(stubCompiler{}, nil, zerolog.Nop())
	slot := r.Register(1, "f", "old")

	before := slot.Load()
	require.NoError(t, r.Update(1, "f", "new"))
	after := slot.Load()

	var lines []string
	inv := &Invocation{Log: func(parts ...any) { lines = append(lines, FormatMessage(parts...)) }}
	_, _ = before.OnEnter(inv)
	_, _ = after.OnEnter(inv)
	assert.Equal(t, []string{"old", "new"}, lines)

	err := r.Update(99, "nope", "x")
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestFormatMessage(t *testing.T) {
	assert.Equal(t, "a 1 null true", FormatMessage("a", 1, nil, true))
	assert.Equal(t, "", FormatMessage())
}
