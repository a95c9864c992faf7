package debug

import (
	"fmt"
	"sort"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracer/internal/agent/resolver"
	"github.com/coral-mesh/tracer/internal/agent/target"
)

const defaultSymbolCacheSize = 4096

// Symbolizer finds functions by name in the symbol tables of the loaded
// modules and maps addresses back to names, falling back to DWARF when the
// symbol table has no entry.
type Symbolizer struct {
	modules *Modules
	images  *images
	cache   *lru.Cache[uint64, resolver.Symbol]
	logger  zerolog.Logger
}

// NewSymbolizer creates a symbolizer over modules.
func NewSymbolizer(modules *Modules, logger zerolog.Logger) (*Symbolizer, error) {
	logger = logger.With().Str("component", "symbolizer").Logger()
	imgs, err := newImages(0, logger)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[uint64, resolver.Symbol](defaultSymbolCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create symbol cache: %w", err)
	}
	return &Symbolizer{modules: modules, images: imgs, cache: cache, logger: logger}, nil
}

// FindFunctionsMatching returns the sorted runtime addresses of every
// function whose name matches the glob pattern.
func (s *Symbolizer) FindFunctionsMatching(pattern string) ([]uint64, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid function pattern %q: %w", pattern, err)
	}

	seen := make(map[uint64]struct{})
	var addresses []uint64
	for _, mod := range s.modules.List() {
		img, err := s.images.get(mod.Path)
		if err != nil {
			s.logger.Debug().Err(err).Str("module", mod.Path).Msg("Skipping unreadable module")
			continue
		}
		bias := img.bias(mod)
		for _, sym := range img.functions {
			if !g.Match(sym.Name) {
				continue
			}
			address := bias + sym.Value
			if _, dup := seen[address]; dup {
				continue
			}
			seen[address] = struct{}{}
			addresses = append(addresses, address)
			s.cache.Add(address, resolver.Symbol{ModuleName: mod.Name, Name: sym.Name})
		}
	}

	sort.Slice(addresses, func(i, j int) bool { return addresses[i] < addresses[j] })
	return addresses, nil
}

// FromAddress resolves a runtime address. The module name is filled in even
// when no function covers the address.
func (s *Symbolizer) FromAddress(address uint64) (resolver.Symbol, error) {
	if sym, ok := s.cache.Get(address); ok {
		return sym, nil
	}

	mod, ok := s.modules.Lookup(address)
	if !ok {
		return resolver.Symbol{}, fmt.Errorf("no module maps address %s", target.Key(address))
	}
	img, err := s.images.get(mod.Path)
	if err != nil {
		return resolver.Symbol{ModuleName: mod.Name}, err
	}

	// Convert runtime address to file vaddr for PIE binaries.
	vaddr := address - img.bias(mod)
	if fn, ok := img.functionAt(vaddr); ok {
		sym := resolver.Symbol{ModuleName: mod.Name, Name: fn.Name}
		s.cache.Add(address, sym)
		return sym, nil
	}

	name, err := img.functionInDWARF(vaddr)
	if err != nil {
		return resolver.Symbol{ModuleName: mod.Name}, fmt.Errorf("symbol not found for address %s: %w", target.Key(address), err)
	}
	sym := resolver.Symbol{ModuleName: mod.Name, Name: name}
	s.cache.Add(address, sym)
	return sym, nil
}
