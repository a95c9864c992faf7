// Package resolver turns trace spec entries into a target plan by querying
// the symbol enumeration collaborators of the instrumented process.
package resolver

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracer/internal/agent/target"
)

var (
	// ErrJavaUnavailable is returned when java-method entries are present but
	// the process has no managed runtime.
	ErrJavaUnavailable = errors.New("Java runtime is not available")

	// ErrObjCUnavailable is returned when objc-method entries are present but
	// the process has no Objective-C runtime.
	ErrObjCUnavailable = errors.New("Objective-C runtime is not available")

	// ErrDebugSymbolsUnavailable is returned for debug-symbol entries when no
	// debug symbol collaborator is configured.
	ErrDebugSymbolsUnavailable = errors.New("debug symbols are not available")
)

// Match is a single enumeration result.
type Match struct {
	Name    string
	Address uint64
}

// APIResolver enumerates functions matching a query such as
// "exports:libc*!open*", "imports:/bin/ls!*" or "-[NSURL *]".
type APIResolver interface {
	EnumerateMatches(query string) ([]Match, error)
}

// ModuleMap answers questions about modules loaded in the process.
type ModuleMap interface {
	BaseAddress(module string) (uint64, error)
	// MainModule returns the path of the process's main executable.
	MainModule() (string, error)
}

// Symbol is a best-effort module/name pair for an address.
type Symbol struct {
	ModuleName string
	Name       string
}

// DebugSymbols looks functions up in debug information.
type DebugSymbols interface {
	FindFunctionsMatching(pattern string) ([]uint64, error)
	FromAddress(address uint64) (Symbol, error)
}

// JavaMatchClass is one class of a managed method enumeration.
type JavaMatchClass struct {
	Name    string
	Methods []string
}

// JavaMatchGroup is the classes of one loader in a managed method enumeration.
type JavaMatchGroup struct {
	Loader  target.Loader
	Classes []JavaMatchClass
}

// JavaRuntime is the managed-runtime reflection collaborator. EnumerateMethods
// is only safe inside a Perform callback.
type JavaRuntime interface {
	Available() bool
	Perform(fn func())
	EnumerateMethods(pattern string) ([]JavaMatchGroup, error)
}

// Collaborators bundles the enumeration facilities. Resolver factories are
// invoked lazily, at most once each.
type Collaborators struct {
	NewModuleResolver func() (APIResolver, error)
	NewObjCResolver   func() (APIResolver, error)
	Modules           ModuleMap
	Symbols           DebugSymbols
	Java              JavaRuntime
}

// Resolver applies spec entries to a plan.
type Resolver struct {
	c      Collaborators
	logger zerolog.Logger

	moduleResolver APIResolver
	objcResolver   APIResolver
}

// New creates a resolver.
func New(c Collaborators, logger zerolog.Logger) *Resolver {
	return &Resolver{
		c:      c,
		logger: logger.With().Str("component", "resolver").Logger(),
	}
}

// JavaRuntime returns the managed runtime collaborator, if any.
func (r *Resolver) JavaRuntime() JavaRuntime {
	return r.c.Java
}

// ApplyNative processes every non-managed entry in order and returns the
// java-method entries, which must be applied later inside the managed
// runtime gate.
func (r *Resolver) ApplyNative(plan *target.Plan, entries []target.Entry) ([]target.Entry, error) {
	var deferred []target.Entry
	for _, e := range entries {
		if e.Scope == target.ScopeJavaMethod {
			deferred = append(deferred, e)
			continue
		}
		if err := r.applyNative(plan, e); err != nil {
			return nil, fmt.Errorf("%s %s %q: %w", e.Operation, e.Scope, e.Pattern, err)
		}
	}

	r.logger.Debug().
		Int("native_targets", len(plan.Native)).
		Int("deferred_java_entries", len(deferred)).
		Msg("Applied native spec entries")

	return deferred, nil
}

func (r *Resolver) applyNative(plan *target.Plan, e target.Entry) error {
	include := e.Operation == target.Include

	switch e.Scope {
	case target.ScopeModule:
		return r.applyExports(plan, "exports:"+e.Pattern+"!*", include)
	case target.ScopeFunction:
		return r.applyExports(plan, target.ParseModuleFunction(e.Pattern).ExportsQuery(), include)
	case target.ScopeRelativeFunction:
		if !include {
			return nil
		}
		return r.includeRelativeFunction(plan, e.Pattern)
	case target.ScopeImports:
		if !include {
			return nil
		}
		return r.includeImports(plan, e.Pattern)
	case target.ScopeObjCMethod:
		return r.applyObjC(plan, e.Pattern, include)
	case target.ScopeDebugSymbol:
		if !include {
			return nil
		}
		return r.includeDebugSymbol(plan, e.Pattern)
	default:
		return fmt.Errorf("unsupported scope %q", e.Scope)
	}
}

func (r *Resolver) applyExports(plan *target.Plan, query string, include bool) error {
	resolver, err := r.getModuleResolver()
	if err != nil {
		return err
	}
	matches, err := resolver.EnumerateMatches(query)
	if err != nil {
		return fmt.Errorf("enumerate %s: %w", query, err)
	}
	for _, m := range matches {
		if include {
			plan.AddNative(target.FromExportName(m.Name, m.Address))
		} else {
			plan.RemoveNative(m.Address)
		}
	}
	return nil
}

func (r *Resolver) includeRelativeFunction(plan *target.Plan, pattern string) error {
	rf, err := target.ParseRelativeFunction(pattern)
	if err != nil {
		return err
	}
	if r.c.Modules == nil {
		return fmt.Errorf("module map is not available")
	}
	base, err := r.c.Modules.BaseAddress(rf.Module)
	if err != nil {
		return fmt.Errorf("base address of %s: %w", rf.Module, err)
	}
	plan.AddNative(target.Native{
		Flavor:  target.FlavorC,
		Scope:   rf.Module,
		Member:  target.Member{Name: rf.SyntheticName()},
		Address: base + rf.Offset,
	})
	return nil
}

func (r *Resolver) includeImports(plan *target.Plan, pattern string) error {
	module := pattern
	if module == "" {
		if r.c.Modules == nil {
			return fmt.Errorf("module map is not available")
		}
		main, err := r.c.Modules.MainModule()
		if err != nil {
			return fmt.Errorf("main module: %w", err)
		}
		module = main
	}
	return r.applyImports(plan, "imports:"+module+"!*")
}

func (r *Resolver) applyImports(plan *target.Plan, query string) error {
	resolver, err := r.getModuleResolver()
	if err != nil {
		return err
	}
	matches, err := resolver.EnumerateMatches(query)
	if err != nil {
		return fmt.Errorf("enumerate %s: %w", query, err)
	}
	for _, m := range matches {
		plan.AddNative(target.FromExportName(m.Name, m.Address))
	}
	return nil
}

func (r *Resolver) applyObjC(plan *target.Plan, pattern string, include bool) error {
	resolver, err := r.getObjCResolver()
	if err != nil {
		return err
	}
	matches, err := resolver.EnumerateMatches(pattern)
	if err != nil {
		return fmt.Errorf("enumerate %s: %w", pattern, err)
	}
	for _, m := range matches {
		if include {
			plan.AddNative(target.FromObjCName(m.Name, m.Address))
		} else {
			plan.RemoveNative(m.Address)
		}
	}
	return nil
}

func (r *Resolver) includeDebugSymbol(plan *target.Plan, pattern string) error {
	if r.c.Symbols == nil {
		return ErrDebugSymbolsUnavailable
	}
	addresses, err := r.c.Symbols.FindFunctionsMatching(pattern)
	if err != nil {
		return fmt.Errorf("find functions matching %s: %w", pattern, err)
	}
	for _, address := range addresses {
		sym, err := r.c.Symbols.FromAddress(address)
		if err != nil {
			r.logger.Debug().Err(err).Str("address", target.Key(address)).Msg("No symbol for address")
		}
		plan.AddNative(target.Native{
			Flavor:  target.FlavorC,
			Scope:   sym.ModuleName,
			Member:  target.Member{Name: sym.Name},
			Address: address,
		})
	}
	return nil
}

func (r *Resolver) getModuleResolver() (APIResolver, error) {
	if r.moduleResolver != nil {
		return r.moduleResolver, nil
	}
	if r.c.NewModuleResolver == nil {
		return nil, fmt.Errorf("module resolver is not available")
	}
	resolver, err := r.c.NewModuleResolver()
	if err != nil {
		return nil, fmt.Errorf("create module resolver: %w", err)
	}
	r.moduleResolver = resolver
	return resolver, nil
}

func (r *Resolver) getObjCResolver() (APIResolver, error) {
	if r.objcResolver != nil {
		return r.objcResolver, nil
	}
	if r.c.NewObjCResolver == nil {
		return nil, ErrObjCUnavailable
	}
	resolver, err := r.c.NewObjCResolver()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrObjCUnavailable, err)
	}
	r.objcResolver = resolver
	return resolver, nil
}
