package agent

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/coral-mesh/tracer/internal/agent/handler"
	"github.com/coral-mesh/tracer/internal/agent/intercept"
	"github.com/coral-mesh/tracer/internal/agent/protocol"
	"github.com/coral-mesh/tracer/internal/agent/target"
)

// start resolves spec, traces native targets, reports agent:initialized,
// then traces managed targets inside the runtime gate and reports
// agent:started.
func (a *Agent) start(ctx context.Context, engine *intercept.Engine, spec [][3]string) error {
	entries, err := parseSpec(spec)
	if err != nil {
		return err
	}

	plan := target.NewPlan()
	javaEntries, err := a.resolver.ApplyNative(plan, entries)
	if err != nil {
		return err
	}
	if err := a.resolver.RequireJava(javaEntries); err != nil {
		return err
	}

	if err := a.traceNativeTargets(ctx, engine, plan); err != nil {
		return err
	}
	a.send(protocol.Status{Type: protocol.TypeInitialized})

	if len(javaEntries) > 0 {
		if err := a.traceJava(ctx, engine, plan, javaEntries); err != nil {
			return err
		}
	}

	a.state.CompareAndSwap(int32(StateInitializing), int32(StateStarted))
	count := a.registry.Len()
	a.send(protocol.Started{Type: protocol.TypeStarted, Count: count})

	a.logger.Info().Int("handlers", count).Msg("Tracing started")
	return nil
}

func parseSpec(spec [][3]string) ([]target.Entry, error) {
	entries := make([]target.Entry, 0, len(spec))
	for _, raw := range spec {
		e, err := target.ParseEntry(raw[0], raw[1], raw[2])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

type nativeBatch struct {
	flavor target.Flavor
	groups []target.NativeGroup
	base   handler.ID
	size   int
}

// traceNativeTargets fetches and installs the C and ObjC handlers
// concurrently. Both id ranges are reserved up front, C first.
func (a *Agent) traceNativeTargets(ctx context.Context, engine *intercept.Engine, plan *target.Plan) error {
	grouped := plan.GroupNative()

	var batches []nativeBatch
	for _, flavor := range []target.Flavor{target.FlavorC, target.FlavorObjC} {
		groups := grouped[flavor]
		size := 0
		for _, g := range groups {
			size += len(g.Targets)
		}
		if size == 0 {
			continue
		}
		batches = append(batches, nativeBatch{
			flavor: flavor,
			groups: groups,
			base:   a.registry.Reserve(size),
			size:   size,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range batches {
		g.Go(func() error {
			return a.traceNativeEntries(gctx, engine, b)
		})
	}
	return g.Wait()
}

func (a *Agent) traceNativeEntries(ctx context.Context, engine *intercept.Engine, b nativeBatch) error {
	scopes := make([]protocol.Scope, 0, len(b.groups))
	for _, g := range b.groups {
		members := make([]protocol.Member, len(g.Targets))
		for i, t := range g.Targets {
			members[i] = protocol.Member{Name: t.Member.Name, Qualified: t.Member.Qualified}
		}
		scopes = append(scopes, protocol.Scope{Name: g.Scope, Members: members})
	}

	scripts, err := protocol.GetHandlers(ctx, a.cfg.Transport, protocol.HandlersRequest{
		Flavor: string(b.flavor),
		BaseID: int(b.base),
		Scopes: scopes,
	}, a.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("fetch %s handlers: %w", b.flavor, err)
	}

	ic := a.cfg.Interceptor
	if ic == nil {
		ic = unavailableInterceptor{}
	}

	attached := 0
	offset := 0
	for _, g := range b.groups {
		for _, t := range g.Targets {
			slot := a.registry.Register(b.base+handler.ID(offset), t.Member.DisplayName(), scripts[offset])
			if engine.AttachNative(ic, t.Address, slot) {
				attached++
			}
			offset++
		}
	}

	a.logger.Debug().
		Str("flavor", string(b.flavor)).
		Int("base_id", int(b.base)).
		Int("targets", b.size).
		Int("attached", attached).
		Msg("Native targets traced")
	return nil
}

// traceJava resolves the deferred java-method entries and installs their
// wrappers inside the managed runtime gate.
func (a *Agent) traceJava(ctx context.Context, engine *intercept.Engine, plan *target.Plan, entries []target.Entry) error {
	done := make(chan error, 1)
	a.resolver.JavaRuntime().Perform(func() {
		done <- a.traceJavaTargets(ctx, engine, plan, entries)
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) traceJavaTargets(ctx context.Context, engine *intercept.Engine, plan *target.Plan, entries []target.Entry) error {
	if err := a.resolver.ApplyJava(plan, entries); err != nil {
		return err
	}

	var scopes []protocol.Scope
	for _, group := range plan.Java {
		for _, className := range group.ClassNames() {
			class := group.Classes[className]
			simple := target.SimpleClassName(className)
			var members []protocol.Member
			for _, bare := range class.MethodNames() {
				members = append(members, protocol.Member{Name: bare, Qualified: simple + "." + bare})
			}
			scopes = append(scopes, protocol.Scope{Name: className, Members: members})
		}
	}

	size := plan.JavaMethodCount()
	if size == 0 {
		return nil
	}
	base := a.registry.Reserve(size)

	scripts, err := protocol.GetHandlers(ctx, a.cfg.Transport, protocol.HandlersRequest{
		Flavor: string(target.FlavorJava),
		BaseID: int(base),
		Scopes: scopes,
	}, a.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("fetch java handlers: %w", err)
	}

	offset := 0
	for _, group := range plan.Java {
		for _, className := range group.ClassNames() {
			class := group.Classes[className]
			for _, bare := range class.MethodNames() {
				slot := a.registry.Register(base+handler.ID(offset), class.Methods[bare], scripts[offset])
				if err := a.installManaged(engine, group.Loader, className, bare, slot); err != nil {
					a.warn(fmt.Sprintf("Skipping %q: %v", slot.Name, err))
				}
				offset++
			}
		}
	}

	a.logger.Debug().Int("base_id", int(base)).Int("methods", size).Msg("Java targets traced")
	return nil
}

func (a *Agent) installManaged(engine *intercept.Engine, loader target.Loader, className, method string, slot *handler.Slot) error {
	if a.cfg.JavaDispatch == nil {
		return fmt.Errorf("no managed dispatch available")
	}
	return engine.InstallManaged(a.cfg.JavaDispatch, loader, className, method, slot)
}

type unavailableInterceptor struct{}

func (unavailableInterceptor) Attach(uint64, intercept.Listener) error {
	return fmt.Errorf("no native interceptor: %w", intercept.ErrNotHookable)
}
