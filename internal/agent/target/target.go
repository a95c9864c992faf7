// Package target defines the instrumentation targets produced by pattern
// resolution and the mutable plan that include/exclude operations build.
package target

import (
	"fmt"
	"strings"
)

// Flavor selects the resolver and handler-fetch strategy for a native target.
type Flavor string

const (
	// FlavorC is a plain native function (exports, imports, offsets, debug symbols).
	FlavorC Flavor = "c"
	// FlavorObjC is an Objective-C method implementation.
	FlavorObjC Flavor = "objc"
	// FlavorJava is a managed-runtime method. It never appears in Plan.Native.
	FlavorJava Flavor = "java"
)

// Member names a target within its scope. Qualified is empty for plain C
// functions; ObjC and Java members carry both the bare and the full name.
type Member struct {
	Name      string
	Qualified string
}

// DisplayName returns the name used in warnings and handler scripts.
func (m Member) DisplayName() string {
	if m.Qualified != "" {
		return m.Qualified
	}
	return m.Name
}

// Native is a resolved native instrumentation point.
type Native struct {
	Flavor  Flavor
	Scope   string
	Member  Member
	Address uint64
}

// Key returns the address-derived key that makes native targets unique
// within a plan.
func Key(address uint64) string {
	return fmt.Sprintf("0x%x", address)
}

// FromExportName builds a C target from a resolver match named "module!function".
func FromExportName(name string, address uint64) Native {
	module, function, _ := strings.Cut(name, "!")
	return Native{
		Flavor:  FlavorC,
		Scope:   module,
		Member:  Member{Name: function},
		Address: address,
	}
}

// FromObjCName builds an ObjC target from a "-[Class selector]" match.
func FromObjCName(name string, address uint64) Native {
	className, selector := ParseObjCMethodName(name)
	return Native{
		Flavor:  FlavorObjC,
		Scope:   className,
		Member:  Member{Name: selector, Qualified: name},
		Address: address,
	}
}

// Loader identifies a managed class loader. A nil Loader is the boot loader.
type Loader interface {
	Equals(other Loader) bool
}

// SameLoader compares loaders, treating two nil loaders as equal.
func SameLoader(a, b Loader) bool {
	if a != nil && b != nil {
		return a.Equals(b)
	}
	return a == nil && b == nil
}

// JavaClass maps bare method names to the longest signature seen for them.
type JavaClass struct {
	Methods map[string]string
	// order keeps method insertion order so handler ids are stable.
	order keyOrder
}

// NewJavaClass creates a class entry from full method signatures.
func NewJavaClass(signatures []string) *JavaClass {
	c := &JavaClass{Methods: make(map[string]string, len(signatures))}
	for _, sig := range signatures {
		c.Merge(sig)
	}
	return c
}

// Merge records a signature. When the bare name already exists the
// textually longest signature wins.
func (c *JavaClass) Merge(signature string) {
	bare := JavaBareMethodName(signature)
	existing, ok := c.Methods[bare]
	if !ok {
		c.Methods[bare] = signature
		c.order.add(bare)
		return
	}
	if len(signature) > len(existing) {
		c.Methods[bare] = signature
	}
}

// Remove drops the bare method matching signature.
func (c *JavaClass) Remove(signature string) {
	bare := JavaBareMethodName(signature)
	if _, ok := c.Methods[bare]; !ok {
		return
	}
	delete(c.Methods, bare)
	c.order.remove(bare)
}

// Empty reports whether every method has been removed.
func (c *JavaClass) Empty() bool {
	return len(c.Methods) == 0
}

// MethodNames returns the bare method names in insertion order.
func (c *JavaClass) MethodNames() []string {
	return c.order.list()
}

// JavaGroup holds the classes resolved through one class loader.
type JavaGroup struct {
	Loader  Loader
	Classes map[string]*JavaClass
	order   keyOrder
}

// NewJavaGroup creates an empty group for loader.
func NewJavaGroup(loader Loader) *JavaGroup {
	return &JavaGroup{Loader: loader, Classes: make(map[string]*JavaClass)}
}

// Class returns the named class, creating it when create is set.
func (g *JavaGroup) Class(name string, create bool) *JavaClass {
	c, ok := g.Classes[name]
	if !ok && create {
		c = &JavaClass{Methods: make(map[string]string)}
		g.Classes[name] = c
		g.order.add(name)
	}
	return c
}

// RemoveClass drops the named class.
func (g *JavaGroup) RemoveClass(name string) {
	delete(g.Classes, name)
	g.order.remove(name)
}

// ClassNames returns class names in insertion order.
func (g *JavaGroup) ClassNames() []string {
	return g.order.list()
}

// MethodCount returns the number of bare methods across all classes.
func (g *JavaGroup) MethodCount() int {
	n := 0
	for _, c := range g.Classes {
		n += len(c.Methods)
	}
	return n
}
