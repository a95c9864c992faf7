package resolve

import (
	"strings"

	"github.com/spf13/pflag"

	"github.com/coral-mesh/tracer/internal/agent/target"
)

// specValue is a repeatable flag that appends its entries to a spec shared
// with the other spec flags, so command line order is kept across flags.
type specValue struct {
	spec      *[][3]string
	operation target.Operation
	scope     target.Scope
}

var _ pflag.Value = (*specValue)(nil)

func (v *specValue) String() string {
	var patterns []string
	for _, e := range *v.spec {
		if e[0] == string(v.operation) && e[1] == string(v.scope) {
			patterns = append(patterns, e[2])
		}
	}
	return "[" + strings.Join(patterns, ",") + "]"
}

func (v *specValue) Set(pattern string) error {
	*v.spec = append(*v.spec, [3]string{string(v.operation), string(v.scope), pattern})
	return nil
}

func (v *specValue) Type() string {
	return "pattern"
}

type specFlag struct {
	name, shorthand string
	operation       target.Operation
	scope           target.Scope
	usage           string
}

var specFlags = []specFlag{
	{"include-module", "I", target.Include, target.ScopeModule, "Include every export of modules matching the glob"},
	{"exclude-module", "X", target.Exclude, target.ScopeModule, "Exclude every export of modules matching the glob"},
	{"include", "i", target.Include, target.ScopeFunction, "Include functions matching module!function"},
	{"exclude", "x", target.Exclude, target.ScopeFunction, "Exclude functions matching module!function"},
	{"add", "a", target.Include, target.ScopeRelativeFunction, "Include the function at module!0xOFFSET"},
	{"include-imports", "T", target.Include, target.ScopeImports, "Include imports of modules matching the glob"},
	{"include-objc-method", "m", target.Include, target.ScopeObjCMethod, "Include Objective-C methods matching the pattern"},
	{"exclude-objc-method", "M", target.Exclude, target.ScopeObjCMethod, "Exclude Objective-C methods matching the pattern"},
	{"include-java-method", "j", target.Include, target.ScopeJavaMethod, "Include Java methods matching class!method"},
	{"exclude-java-method", "J", target.Exclude, target.ScopeJavaMethod, "Exclude Java methods matching class!method"},
	{"include-debug-symbol", "s", target.Include, target.ScopeDebugSymbol, "Include functions found in debug symbols"},
}

// addSpecFlags registers the spec flags of fs, all appending to spec.
func addSpecFlags(fs *pflag.FlagSet, spec *[][3]string) {
	for _, f := range specFlags {
		fs.VarP(&specValue{spec: spec, operation: f.operation, scope: f.scope}, f.name, f.shorthand, f.usage)
	}
}
