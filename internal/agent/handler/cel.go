package handler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/tracer/internal/safe"
)

// DefaultCacheSize bounds the number of distinct compiled scripts kept.
const DefaultCacheSize = 4096

type cacheEntry struct {
	source string
	pair   Pair
}

// CELCompiler compiles YAML handler scripts whose slots hold CEL
// expressions. Identical sources compile once.
type CELCompiler struct {
	env   *cel.Env
	cache *lru.Cache[uint64, cacheEntry]
}

// NewCELCompiler creates the compiler and its CEL environment.
func NewCELCompiler(cacheSize int) (*CELCompiler, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	env, err := cel.NewEnv(
		cel.Variable("args", cel.ListType(cel.DynType)),
		cel.Variable("retval", cel.DynType),
		cel.Variable("instance", cel.DynType),
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("locals", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("parameters", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("stage", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("thread_id", cel.IntType),
		cel.Variable("depth", cel.IntType),
		cel.Function("raise",
			cel.Overload("raise_string_string",
				[]*cel.Type{cel.StringType, cel.StringType}, cel.DynType,
				cel.BinaryBinding(func(class, message ref.Val) ref.Val {
					return types.WrapErr(&ManagedException{
						Class:   fmt.Sprint(class.Value()),
						Message: fmt.Sprint(message.Value()),
					})
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	cache, err := lru.New[uint64, cacheEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create script cache: %w", err)
	}

	return &CELCompiler{env: env, cache: cache}, nil
}

// Compile implements Compiler.
func (c *CELCompiler) Compile(name, source string) (Pair, error) {
	key := xxh3.HashString(source)
	if entry, ok := c.cache.Get(key); ok && entry.source == source {
		return entry.pair, nil
	}

	doc, err := ParseScript(source)
	if err != nil {
		return Pair{}, err
	}

	var pair Pair
	if pair.OnEnter, err = c.compileSlot(doc.OnEnter); err != nil {
		return Pair{}, fmt.Errorf("onEnter: %w", err)
	}
	if pair.OnLeave, err = c.compileSlot(doc.OnLeave); err != nil {
		return Pair{}, fmt.Errorf("onLeave: %w", err)
	}
	pair = pair.normalized()

	c.cache.Add(key, cacheEntry{source: source, pair: pair})
	return pair, nil
}

// RunInit evaluates an initialization script against session.
func (c *CELCompiler) RunInit(source string, session *Session) error {
	doc, err := ParseInitScript(source)
	if err != nil {
		return err
	}
	assignments, err := c.compileAssignments(doc.State)
	if err != nil {
		return err
	}
	vars := map[string]any{
		"stage":      session.Stage,
		"parameters": session.Parameters,
	}
	return session.State.Update(func(values map[string]any) error {
		vars["state"] = values
		for _, a := range assignments {
			out, _, err := a.program.Eval(vars)
			if err != nil {
				return fmt.Errorf("state.%s: %w", a.name, err)
			}
			values[a.name] = nativeValue(out)
		}
		return nil
	})
}

type assignment struct {
	name    string
	program cel.Program
}

type compiledSlot struct {
	log    cel.Program
	retval cel.Program
	state  []assignment
	locals []assignment
}

func (c *CELCompiler) compileSlot(spec *SlotSpec) (Callback, error) {
	if spec.empty() {
		return Noop, nil
	}

	var (
		slot compiledSlot
		err  error
	)
	if spec.Log != "" {
		if slot.log, err = c.program(spec.Log); err != nil {
			return nil, fmt.Errorf("log: %w", err)
		}
	}
	if spec.Retval != "" {
		if slot.retval, err = c.program(spec.Retval); err != nil {
			return nil, fmt.Errorf("retval: %w", err)
		}
	}
	if slot.state, err = c.compileAssignments(spec.State); err != nil {
		return nil, err
	}
	if slot.locals, err = c.compileAssignments(spec.Locals); err != nil {
		return nil, err
	}
	return slot.run, nil
}

func (c *CELCompiler) compileAssignments(exprs map[string]string) ([]assignment, error) {
	names := make([]string, 0, len(exprs))
	for name := range exprs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]assignment, 0, len(names))
	for _, name := range names {
		prg, err := c.program(exprs[name])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, assignment{name: name, program: prg})
	}
	return out, nil
}

func (c *CELCompiler) program(expr string) (cel.Program, error) {
	ast, iss := c.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	return c.env.Program(ast)
}

func (s *compiledSlot) run(inv *Invocation) (any, error) {
	vars := activation(inv)

	if len(s.state) > 0 && inv.Session != nil {
		err := inv.Session.State.Update(func(values map[string]any) error {
			vars["state"] = values
			for _, a := range s.state {
				out, _, err := a.program.Eval(vars)
				if err != nil {
					return fmt.Errorf("state.%s: %w", a.name, err)
				}
				values[a.name] = nativeValue(out)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		vars["state"] = inv.Session.State.Snapshot()
	}

	if len(s.locals) > 0 {
		if inv.Locals == nil {
			inv.Locals = make(map[string]any)
		}
		for _, a := range s.locals {
			out, _, err := a.program.Eval(vars)
			if err != nil {
				return nil, fmt.Errorf("locals.%s: %w", a.name, err)
			}
			inv.Locals[a.name] = nativeValue(out)
		}
	}

	if s.log != nil {
		out, _, err := s.log.Eval(vars)
		if err != nil {
			return nil, fmt.Errorf("log: %w", err)
		}
		if inv.Log != nil {
			inv.Log(logParts(out)...)
		}
	}

	if s.retval != nil {
		out, _, err := s.retval.Eval(vars)
		if err != nil {
			return nil, fmt.Errorf("retval: %w", err)
		}
		return nativeValue(out), nil
	}
	return nil, nil
}

func activation(inv *Invocation) map[string]any {
	threadID, _ := safe.Uint64ToInt64(inv.ThreadID)

	args := inv.Args
	if args == nil {
		args = []any{}
	}
	locals := inv.Locals
	if locals == nil {
		locals = map[string]any{}
	}

	vars := map[string]any{
		"args":      args,
		"retval":    inv.Retval,
		"instance":  inv.Instance,
		"locals":    locals,
		"target":    inv.Target,
		"thread_id": threadID,
		"depth":     int64(inv.Depth),
	}
	if inv.Session != nil {
		vars["stage"] = inv.Session.Stage
		vars["parameters"] = inv.Session.Parameters
		vars["state"] = inv.Session.State.Snapshot()
	} else {
		vars["stage"] = ""
		vars["parameters"] = map[string]any{}
		vars["state"] = map[string]any{}
	}
	return vars
}

func logParts(v ref.Val) []any {
	if l, ok := v.(traits.Lister); ok {
		var parts []any
		it := l.Iterator()
		for it.HasNext() == types.True {
			parts = append(parts, nativeValue(it.Next()))
		}
		return parts
	}
	return []any{nativeValue(v)}
}

// nativeValue converts a CEL value into plain Go values so it can be stored
// in shared state or handed back to the runtime.
func nativeValue(v ref.Val) any {
	if v == nil || v.Type() == types.NullType {
		return nil
	}
	switch val := v.(type) {
	case traits.Mapper:
		out := make(map[string]any)
		it := val.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			out[fmt.Sprint(k.Value())] = nativeValue(val.Get(k))
		}
		return out
	case traits.Lister:
		var out []any
		it := val.Iterator()
		for it.HasNext() == types.True {
			out = append(out, nativeValue(it.Next()))
		}
		return out
	}
	return v.Value()
}

// FormatMessage joins log parts the way trace lines are rendered.
func FormatMessage(parts ...any) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		if p == nil {
			s[i] = "null"
			continue
		}
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, " ")
}
