package debug

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracer/internal/agent/resolver"
)

// ELFResolver enumerates exported and imported functions of the loaded
// modules. Queries have the form "exports:<module>!<function>" or
// "imports:<module>!<function>", both sides being globs.
type ELFResolver struct {
	modules *Modules
	images  *images
	logger  zerolog.Logger
}

// NewELFResolver creates a resolver over modules. cacheSize bounds the number
// of parsed ELF images kept in memory.
func NewELFResolver(modules *Modules, cacheSize int, logger zerolog.Logger) (*ELFResolver, error) {
	logger = logger.With().Str("component", "elf_resolver").Logger()
	imgs, err := newImages(cacheSize, logger)
	if err != nil {
		return nil, err
	}
	return &ELFResolver{modules: modules, images: imgs, logger: logger}, nil
}

type query struct {
	kind     string
	module   string
	function glob.Glob
}

func parseQuery(q string) (query, error) {
	kind, rest, ok := strings.Cut(q, ":")
	if !ok || (kind != "exports" && kind != "imports") {
		return query{}, fmt.Errorf("unsupported query %q", q)
	}
	i := strings.LastIndex(rest, "!")
	if i < 0 {
		return query{}, fmt.Errorf("query %q has no function part", q)
	}
	fn, err := glob.Compile(rest[i+1:])
	if err != nil {
		return query{}, fmt.Errorf("invalid function pattern in %q: %w", q, err)
	}
	return query{kind: kind, module: rest[:i], function: fn}, nil
}

// EnumerateMatches runs q. Match names are "<module name>!<function>". An
// import is reported at the address of the export that provides it; imports
// no loaded module provides are skipped.
func (r *ELFResolver) EnumerateMatches(q string) ([]resolver.Match, error) {
	parsed, err := parseQuery(q)
	if err != nil {
		return nil, err
	}
	modules, err := r.modules.Match(parsed.module)
	if err != nil {
		return nil, err
	}

	var matches []resolver.Match
	for _, mod := range modules {
		img, err := r.images.get(mod.Path)
		if err != nil {
			r.logger.Debug().Err(err).Str("module", mod.Path).Msg("Skipping unreadable module")
			continue
		}
		if parsed.kind == "exports" {
			matches = append(matches, r.exports(mod, img, parsed.function)...)
		} else {
			matches = append(matches, r.imports(mod, img, parsed.function)...)
		}
	}
	return matches, nil
}

func (r *ELFResolver) exports(mod Module, img *image, fn glob.Glob) []resolver.Match {
	bias := img.bias(mod)
	var matches []resolver.Match
	for _, sym := range img.exports {
		if !fn.Match(sym.Name) {
			continue
		}
		matches = append(matches, resolver.Match{
			Name:    mod.Name + "!" + sym.Name,
			Address: bias + sym.Value,
		})
	}
	return matches
}

func (r *ELFResolver) imports(mod Module, img *image, fn glob.Glob) []resolver.Match {
	var matches []resolver.Match
	for _, name := range img.imports {
		if !fn.Match(name) {
			continue
		}
		match, ok := r.provider(mod, name)
		if !ok {
			r.logger.Debug().Str("module", mod.Name).Str("import", name).Msg("Unresolved import")
			continue
		}
		matches = append(matches, match)
	}
	return matches
}

// provider finds the first other module exporting name.
func (r *ELFResolver) provider(importer Module, name string) (resolver.Match, bool) {
	for _, mod := range r.modules.List() {
		if mod.Path == importer.Path {
			continue
		}
		img, err := r.images.get(mod.Path)
		if err != nil {
			continue
		}
		for _, sym := range img.exports {
			if sym.Name == name {
				return resolver.Match{
					Name:    mod.Name + "!" + name,
					Address: img.bias(mod) + sym.Value,
				}, true
			}
		}
	}
	return resolver.Match{}, false
}
