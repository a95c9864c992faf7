package resolver

import (
	"fmt"

	"github.com/coral-mesh/tracer/internal/agent/target"
)

// RequireJava fails when entries need a managed runtime the process lacks.
// Specs without java-method entries never reach the runtime check.
func (r *Resolver) RequireJava(entries []target.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if r.c.Java == nil || !r.c.Java.Available() {
		return ErrJavaUnavailable
	}
	return nil
}

// ApplyJava processes java-method entries. It must run inside
// JavaRuntime.Perform.
func (r *Resolver) ApplyJava(plan *target.Plan, entries []target.Entry) error {
	if err := r.RequireJava(entries); err != nil {
		return err
	}
	for _, e := range entries {
		groups, err := r.c.Java.EnumerateMethods(e.Pattern)
		if err != nil {
			return fmt.Errorf("%s %s %q: %w", e.Operation, e.Scope, e.Pattern, err)
		}
		if e.Operation == target.Include {
			includeJavaGroups(plan, groups)
		} else {
			excludeJavaGroups(plan, groups)
		}
	}

	r.logger.Debug().
		Int("java_groups", len(plan.Java)).
		Int("java_methods", plan.JavaMethodCount()).
		Msg("Applied java spec entries")

	return nil
}

func includeJavaGroups(plan *target.Plan, groups []JavaMatchGroup) {
	for _, g := range groups {
		group := plan.JavaGroupFor(g.Loader, true)
		for _, klass := range g.Classes {
			c := group.Class(klass.Name, true)
			for _, sig := range klass.Methods {
				c.Merge(sig)
			}
		}
	}
}

func excludeJavaGroups(plan *target.Plan, groups []JavaMatchGroup) {
	for _, g := range groups {
		group := plan.JavaGroupFor(g.Loader, false)
		if group == nil {
			continue
		}
		for _, klass := range g.Classes {
			c := group.Class(klass.Name, false)
			if c == nil {
				continue
			}
			for _, sig := range klass.Methods {
				c.Remove(sig)
			}
			if c.Empty() {
				group.RemoveClass(klass.Name)
			}
		}
		if len(group.Classes) == 0 {
			plan.RemoveJavaGroup(group)
		}
	}
}
