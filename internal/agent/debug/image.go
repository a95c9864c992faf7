package debug

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const (
	defaultImageCacheSize = 64
	pageMask              = 0xfff

	// sttGNUIFunc marks GNU indirect functions, which share STT_LOOS.
	sttGNUIFunc = elf.STT_LOOS
)

// image is the symbol information of one ELF file on disk.
type image struct {
	path string
	// loadVaddr is the page aligned vaddr of the lowest PT_LOAD segment.
	loadVaddr uint64

	exports   []elf.Symbol
	imports   []string
	functions []elf.Symbol

	dwarfOnce sync.Once
	dwarf     *dwarf.Data
	dwarfErr  error
}

func openImage(path string) (*image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open binary: %w", err)
	}
	defer f.Close() // nolint:errcheck

	img := &image{path: path}

	first := true
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if first || prog.Vaddr < img.loadVaddr {
			img.loadVaddr = prog.Vaddr
			first = false
		}
	}
	img.loadVaddr &^= pageMask

	// Stripped libraries still carry a dynamic table.
	if dyn, err := f.DynamicSymbols(); err == nil {
		for _, sym := range dyn {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC && elf.ST_TYPE(sym.Info) != sttGNUIFunc {
				continue
			}
			if sym.Section == elf.SHN_UNDEF {
				img.imports = append(img.imports, sym.Name)
				continue
			}
			img.exports = append(img.exports, sym)
		}
	}

	if symtab, err := f.Symbols(); err == nil {
		for _, sym := range symtab {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
				continue
			}
			img.functions = append(img.functions, sym)
		}
	}
	sort.Slice(img.functions, func(i, j int) bool {
		return img.functions[i].Value < img.functions[j].Value
	})

	return img, nil
}

// bias converts file vaddrs of img to runtime addresses in mod.
func (img *image) bias(mod Module) uint64 {
	return mod.FileBase - img.loadVaddr
}

// functionAt finds the symbol table function covering vaddr.
func (img *image) functionAt(vaddr uint64) (elf.Symbol, bool) {
	i := sort.Search(len(img.functions), func(i int) bool {
		return img.functions[i].Value > vaddr
	})
	if i == 0 {
		return elf.Symbol{}, false
	}
	sym := img.functions[i-1]
	if vaddr >= sym.Value && (vaddr < sym.Value+sym.Size || sym.Size == 0 && vaddr == sym.Value) {
		return sym, true
	}
	return elf.Symbol{}, false
}

func (img *image) dwarfData() (*dwarf.Data, error) {
	img.dwarfOnce.Do(func() {
		f, err := elf.Open(img.path)
		if err != nil {
			img.dwarfErr = fmt.Errorf("failed to open binary: %w", err)
			return
		}
		defer f.Close() // nolint:errcheck
		img.dwarf, img.dwarfErr = f.DWARF()
	})
	return img.dwarf, img.dwarfErr
}

// functionInDWARF looks vaddr up in the subprogram entries of the DWARF data.
func (img *image) functionInDWARF(vaddr uint64) (string, error) {
	data, err := img.dwarfData()
	if err != nil {
		return "", err
	}

	reader := data.Reader()
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}

		name, ok := entry.Val(dwarf.AttrName).(string)
		if !ok {
			continue
		}
		low, ok := entry.Val(dwarf.AttrLowpc).(uint64)
		if !ok {
			continue
		}

		// highPC can be either absolute address (uint64) or offset from lowPC (int64)
		var high uint64
		switch v := entry.Val(dwarf.AttrHighpc).(type) {
		case uint64:
			high = v
		case int64:
			high = low + uint64(v) // #nosec G115
		default:
			continue
		}

		if vaddr >= low && vaddr < high {
			return name, nil
		}
	}
	return "", fmt.Errorf("no DWARF entry found")
}

// images caches parsed ELF files by path.
type images struct {
	cache  *lru.Cache[string, *image]
	logger zerolog.Logger
}

func newImages(size int, logger zerolog.Logger) (*images, error) {
	if size <= 0 {
		size = defaultImageCacheSize
	}
	cache, err := lru.New[string, *image](size)
	if err != nil {
		return nil, fmt.Errorf("create image cache: %w", err)
	}
	return &images{cache: cache, logger: logger}, nil
}

func (c *images) get(path string) (*image, error) {
	if img, ok := c.cache.Get(path); ok {
		return img, nil
	}
	img, err := openImage(path)
	if err != nil {
		return nil, err
	}
	c.cache.Add(path, img)

	c.logger.Debug().
		Str("path", path).
		Int("exports", len(img.exports)).
		Int("imports", len(img.imports)).
		Int("functions", len(img.functions)).
		Msg("ELF image loaded")
	return img, nil
}
