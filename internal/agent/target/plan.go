package target

import "sort"

// Plan is the working set built while processing a trace spec.
type Plan struct {
	Native map[string]Native
	Java   []*JavaGroup

	// order keeps first-insertion order of native keys so handler ids
	// follow resolution order.
	order keyOrder
}

// NewPlan returns an empty plan.
func NewPlan() *Plan {
	return &Plan{Native: make(map[string]Native)}
}

// AddNative includes t, replacing any target at the same address.
func (p *Plan) AddNative(t Native) {
	key := Key(t.Address)
	p.order.add(key)
	p.Native[key] = t
}

// RemoveNative excludes the target at address, if present.
func (p *Plan) RemoveNative(address uint64) {
	key := Key(address)
	if _, ok := p.Native[key]; !ok {
		return
	}
	delete(p.Native, key)
	p.order.remove(key)
}

// NativeTargets returns the native targets in insertion order.
func (p *Plan) NativeTargets() []Native {
	keys := p.order.list()
	out := make([]Native, 0, len(keys))
	for _, k := range keys {
		out = append(out, p.Native[k])
	}
	return out
}

// JavaGroupFor returns the group owned by loader, creating it when create is set.
func (p *Plan) JavaGroupFor(loader Loader, create bool) *JavaGroup {
	for _, g := range p.Java {
		if SameLoader(g.Loader, loader) {
			return g
		}
	}
	if !create {
		return nil
	}
	g := NewJavaGroup(loader)
	p.Java = append(p.Java, g)
	return g
}

// RemoveJavaGroup drops g from the plan.
func (p *Plan) RemoveJavaGroup(g *JavaGroup) {
	for i, existing := range p.Java {
		if existing == g {
			p.Java = append(p.Java[:i], p.Java[i+1:]...)
			if len(p.Java) == 0 {
				p.Java = nil
			}
			return
		}
	}
}

// JavaMethodCount returns the number of managed targets in the plan.
func (p *Plan) JavaMethodCount() int {
	n := 0
	for _, g := range p.Java {
		n += g.MethodCount()
	}
	return n
}

// Len returns the total number of targets in the plan.
func (p *Plan) Len() int {
	return len(p.Native) + p.JavaMethodCount()
}

// NativeGroup is the members of one scope for one flavor.
type NativeGroup struct {
	Scope   string
	Targets []Native
}

// GroupNative partitions native targets by flavor and scope. Groups keep
// the order in which their scope was first seen.
func (p *Plan) GroupNative() map[Flavor][]NativeGroup {
	index := make(map[Flavor]map[string]int)
	out := make(map[Flavor][]NativeGroup)
	for _, t := range p.NativeTargets() {
		flavorIndex, ok := index[t.Flavor]
		if !ok {
			flavorIndex = make(map[string]int)
			index[t.Flavor] = flavorIndex
		}
		i, ok := flavorIndex[t.Scope]
		if !ok {
			i = len(out[t.Flavor])
			flavorIndex[t.Scope] = i
			out[t.Flavor] = append(out[t.Flavor], NativeGroup{Scope: t.Scope})
		}
		out[t.Flavor][i].Targets = append(out[t.Flavor][i].Targets, t)
	}
	return out
}

// Keys returns the sorted native keys; used for comparing plans.
func (p *Plan) Keys() []string {
	keys := make([]string, 0, len(p.Native))
	for k := range p.Native {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
