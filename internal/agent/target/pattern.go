package target

import (
	"fmt"
	"strconv"
	"strings"
)

// Operation is the include/exclude verb of a spec entry.
type Operation string

const (
	Include Operation = "include"
	Exclude Operation = "exclude"
)

// Scope selects how a spec entry's pattern is interpreted.
type Scope string

const (
	ScopeModule           Scope = "module"
	ScopeFunction         Scope = "function"
	ScopeRelativeFunction Scope = "relative-function"
	ScopeImports          Scope = "imports"
	ScopeObjCMethod       Scope = "objc-method"
	ScopeJavaMethod       Scope = "java-method"
	ScopeDebugSymbol      Scope = "debug-symbol"
)

// Entry is one (operation, scope, pattern) triple of a trace spec.
type Entry struct {
	Operation Operation
	Scope     Scope
	Pattern   string
}

// ParseEntry validates a raw triple.
func ParseEntry(operation, scope, pattern string) (Entry, error) {
	e := Entry{Operation: Operation(operation), Scope: Scope(scope), Pattern: pattern}
	switch e.Operation {
	case Include, Exclude:
	default:
		return Entry{}, fmt.Errorf("unknown operation %q", operation)
	}
	switch e.Scope {
	case ScopeModule, ScopeFunction, ScopeRelativeFunction, ScopeImports,
		ScopeObjCMethod, ScopeJavaMethod, ScopeDebugSymbol:
	default:
		return Entry{}, fmt.Errorf("unknown scope %q", scope)
	}
	return e, nil
}

// ModuleFunction is a parsed "module!function" pattern.
type ModuleFunction struct {
	Module   string
	Function string
}

// ParseModuleFunction splits a "module!function" pattern. A bare pattern
// matches the function in every module and empty halves become "*".
func ParseModuleFunction(pattern string) ModuleFunction {
	module, function, found := strings.Cut(pattern, "!")
	if !found {
		return ModuleFunction{Module: "*", Function: pattern}
	}
	if module == "" {
		module = "*"
	}
	if function == "" {
		function = "*"
	}
	return ModuleFunction{Module: module, Function: function}
}

// ExportsQuery renders the resolver query for this pattern.
func (mf ModuleFunction) ExportsQuery() string {
	return "exports:" + mf.Module + "!" + mf.Function
}

// RelativeFunction is a parsed "module!hexOffset" pattern.
type RelativeFunction struct {
	Module string
	Offset uint64
}

// ParseRelativeFunction parses "module!offset" where offset is hexadecimal,
// with or without a 0x prefix.
func ParseRelativeFunction(pattern string) (RelativeFunction, error) {
	module, offset, found := strings.Cut(pattern, "!")
	if !found || module == "" || offset == "" {
		return RelativeFunction{}, fmt.Errorf("invalid relative function pattern %q", pattern)
	}
	offset = strings.TrimPrefix(strings.TrimPrefix(offset, "0x"), "0X")
	value, err := strconv.ParseUint(offset, 16, 64)
	if err != nil {
		return RelativeFunction{}, fmt.Errorf("invalid offset in %q: %w", pattern, err)
	}
	return RelativeFunction{Module: module, Offset: value}, nil
}

// SyntheticName is the name given to an offset target.
func (rf RelativeFunction) SyntheticName() string {
	return "sub_" + strconv.FormatUint(rf.Offset, 16)
}

// ParseObjCMethodName splits "-[Class selector]" into class and selector.
func ParseObjCMethodName(name string) (className, selector string) {
	if len(name) < 3 {
		return "", name
	}
	body := name[2 : len(name)-1]
	className, selector, _ = strings.Cut(body, " ")
	return className, selector
}

// JavaBareMethodName strips the argument signature from a method name.
func JavaBareMethodName(signature string) string {
	if i := strings.IndexByte(signature, '('); i != -1 {
		return signature[:i]
	}
	return signature
}

// SimpleClassName returns the last dotted component of a class name.
func SimpleClassName(className string) string {
	if i := strings.LastIndexByte(className, '.'); i != -1 {
		return className[i+1:]
	}
	return className
}
