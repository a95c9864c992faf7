package uprobe

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/coral-mesh/tracer/internal/agent/intercept"
	"github.com/coral-mesh/tracer/internal/safe"
)

// prologueSize is how many bytes of a function are inspected before hooking.
const prologueSize = 16

// checkPrologue decodes the first instruction at offset of path. A uprobe
// on bytes that do not decode to an instruction would corrupt the target.
func checkPrologue(path string, offset uint64, arch string) error {
	f, err := os.Open(path) // #nosec G304: module paths come from the process maps
	if err != nil {
		return fmt.Errorf("open module: %w", err)
	}
	defer f.Close() // nolint:errcheck

	at, clamped := safe.Uint64ToInt64(offset)
	if clamped {
		return fmt.Errorf("offset 0x%x out of range: %w", offset, intercept.ErrNotHookable)
	}
	code := make([]byte, prologueSize)
	n, err := f.ReadAt(code, at)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read prologue: %w", err)
	}
	return decodePrologue(code[:n], arch)
}

func decodePrologue(code []byte, arch string) error {
	if len(code) == 0 {
		return fmt.Errorf("empty prologue: %w", intercept.ErrNotHookable)
	}

	switch arch {
	case "amd64":
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return fmt.Errorf("decode prologue: %v: %w", err, intercept.ErrNotHookable)
		}
		// A lone int3 is an existing breakpoint.
		if inst.Op == x86asm.INT && inst.Len == 1 {
			return fmt.Errorf("breakpoint at function entry: %w", intercept.ErrNotHookable)
		}
		return nil
	case "arm64":
		if len(code) < 4 {
			return fmt.Errorf("short prologue: %w", intercept.ErrNotHookable)
		}
		if _, err := arm64asm.Decode(code[:4]); err != nil {
			return fmt.Errorf("decode prologue: %v: %w", err, intercept.ErrNotHookable)
		}
		return nil
	default:
		return fmt.Errorf("unsupported architecture %s: %w", arch, intercept.ErrNotHookable)
	}
}
