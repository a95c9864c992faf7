package debug

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	coralerrors "github.com/coral-mesh/tracer/internal/errors"
	"github.com/coral-mesh/tracer/internal/safe"
)

// ErrModuleNotFound is returned when no loaded module matches a name.
var ErrModuleNotFound = errors.New("module not found")

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Offset uint64
	Perms  string
	Path   string
}

// Executable reports whether the mapping is mapped executable.
func (m Mapping) Executable() bool {
	return strings.Contains(m.Perms, "x")
}

// Contains reports whether address falls inside the mapping.
func (m Mapping) Contains(address uint64) bool {
	return address >= m.Start && address < m.End
}

// ParseMaps parses the procfs maps format.
// Format: address           perms offset  dev   inode   pathname
// Example: 555555554000-555555556000 r-xp 00000000 08:01 123456 /path/to/binary
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var mappings []Mapping

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, fmt.Errorf("malformed maps line %q", line)
		}

		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			return nil, fmt.Errorf("malformed address range %q", fields[0])
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse start address: %w", err)
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse end address: %w", err)
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse offset: %w", err)
		}

		m := Mapping{Start: start, End: end, Offset: offset, Perms: fields[1]}
		if len(fields) > 5 {
			m.Path = strings.Join(fields[5:], " ")
		}
		mappings = append(mappings, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read maps: %w", err)
	}
	return mappings, nil
}

// ReadMaps reads the mappings of process pid.
func ReadMaps(pid int, logger zerolog.Logger) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid)) // #nosec G304: pid is an int
	if err != nil {
		return nil, fmt.Errorf("failed to read maps: %w", err)
	}
	defer coralerrors.DeferClose(logger, f, "failed to close maps file")

	return ParseMaps(f)
}

// Module is a file-backed image loaded in the process.
type Module struct {
	Name string
	Path string
	// Base is the lowest address the module is mapped at.
	Base uint64
	// FileBase is the address of file offset zero.
	FileBase uint64

	mappings []Mapping
}

// Contains reports whether address falls in one of the module's mappings.
func (m Module) Contains(address uint64) bool {
	for _, mapping := range m.mappings {
		if mapping.Contains(address) {
			return true
		}
	}
	return false
}

// Modules is the module map of one process.
type Modules struct {
	pid    int
	logger zerolog.Logger

	mu      sync.RWMutex
	modules []Module
}

// NewModules reads the module map of pid.
func NewModules(pid int, logger zerolog.Logger) (*Modules, error) {
	m := &Modules{
		pid:    pid,
		logger: logger.With().Str("component", "modules").Int("pid", pid).Logger(),
	}
	if err := m.Refresh(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewModulesFromMappings builds a module map from already parsed mappings.
func NewModulesFromMappings(pid int, mappings []Mapping, logger zerolog.Logger) *Modules {
	return &Modules{
		pid:     pid,
		logger:  logger.With().Str("component", "modules").Int("pid", pid).Logger(),
		modules: groupModules(mappings),
	}
}

// Refresh rereads the process mappings.
func (m *Modules) Refresh() error {
	mappings, err := ReadMaps(m.pid, m.logger)
	if err != nil {
		return err
	}
	modules := groupModules(mappings)

	m.mu.Lock()
	m.modules = modules
	m.mu.Unlock()

	m.logger.Debug().Int("modules", len(modules)).Msg("Module map loaded")
	return nil
}

func groupModules(mappings []Mapping) []Module {
	index := make(map[string]int)
	var modules []Module

	for _, mapping := range mappings {
		if !strings.HasPrefix(mapping.Path, "/") {
			continue
		}
		i, ok := index[mapping.Path]
		if !ok {
			i = len(modules)
			index[mapping.Path] = i
			modules = append(modules, Module{
				Name: filepath.Base(mapping.Path),
				Path: mapping.Path,
				Base: mapping.Start,
			})
		}
		mod := &modules[i]
		mod.mappings = append(mod.mappings, mapping)
		if mapping.Start < mod.Base {
			mod.Base = mapping.Start
		}
	}

	for i := range modules {
		mod := &modules[i]
		sort.Slice(mod.mappings, func(a, b int) bool {
			return mod.mappings[a].Start < mod.mappings[b].Start
		})
		first := mod.mappings[0]
		mod.FileBase = first.Start - first.Offset
	}
	return modules
}

// List returns the loaded modules in load order.
func (m *Modules) List() []Module {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Module(nil), m.modules...)
}

// Match returns the modules whose name or path matches the glob pattern.
func (m *Modules) Match(pattern string) ([]Module, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid module pattern %q", pattern)
	}

	var matched []Module
	for _, mod := range m.List() {
		if matchModule(pattern, mod) {
			matched = append(matched, mod)
		}
	}
	return matched, nil
}

func matchModule(pattern string, mod Module) bool {
	subject := mod.Name
	if strings.Contains(pattern, "/") {
		subject = mod.Path
	}
	ok, err := doublestar.Match(pattern, subject)
	return err == nil && ok
}

// Find returns the first module matching name, which may be a glob.
func (m *Modules) Find(name string) (Module, error) {
	matched, err := m.Match(name)
	if err != nil {
		return Module{}, err
	}
	if len(matched) == 0 {
		return Module{}, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return matched[0], nil
}

// BaseAddress returns the base address of the module matching name.
func (m *Modules) BaseAddress(name string) (uint64, error) {
	mod, err := m.Find(name)
	if err != nil {
		return 0, err
	}
	return mod.Base, nil
}

// MainModule returns the path of the process executable.
func (m *Modules) MainModule() (string, error) {
	pid, clamped := safe.IntToInt32(m.pid)
	if clamped || pid <= 0 {
		return "", fmt.Errorf("invalid pid %d", m.pid)
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return "", fmt.Errorf("failed to open process: %w", err)
	}
	exe, err := proc.Exe()
	if err != nil {
		return "", fmt.Errorf("failed to read binary path: %w", err)
	}
	return exe, nil
}

// Lookup returns the module containing address.
func (m *Modules) Lookup(address uint64) (Module, bool) {
	for _, mod := range m.List() {
		if mod.Contains(address) {
			return mod, true
		}
	}
	return Module{}, false
}

// FileOffset converts a runtime address to the offset in its module file,
// the form uprobes are attached with.
func (m *Modules) FileOffset(address uint64) (Module, uint64, error) {
	for _, mod := range m.List() {
		for _, mapping := range mod.mappings {
			if mapping.Contains(address) {
				return mod, address - mapping.Start + mapping.Offset, nil
			}
		}
	}
	return Module{}, 0, fmt.Errorf("%w: no module maps 0x%x", ErrModuleNotFound, address)
}
