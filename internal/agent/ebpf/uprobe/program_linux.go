//go:build linux

package uprobe

import (
	"fmt"
	"runtime"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

// regOffsets returns the pt_regs offsets of the argument registers and of
// the return register.
func regOffsets(arch string) ([argCount]int16, int16, error) {
	switch arch {
	case "amd64":
		// di, si, dx, cx, r8, r9 and ax in struct pt_regs.
		return [argCount]int16{112, 104, 96, 88, 72, 64}, 80, nil
	case "arm64":
		// x0 to x5 in struct user_pt_regs.
		return [argCount]int16{0, 8, 16, 24, 32, 40}, 0, nil
	default:
		return [argCount]int16{}, 0, fmt.Errorf("unsupported architecture %s", arch)
	}
}

// instructions builds the probe program. The record is assembled on the
// stack at fp-eventSize and copied to the ring buffer.
func instructions(kind uint64, events *ebpf.Map, arch string) (asm.Instructions, error) {
	args, ret, err := regOffsets(arch)
	if err != nil {
		return nil, err
	}

	const base = -int16(eventSize)
	slot := func(i int) int16 { return base + int16(8*i) }

	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.StoreImm(asm.RFP, slot(0), int64(kind), asm.DWord), // #nosec G115
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.FnGetAttachCookie.Call(),
		asm.StoreMem(asm.RFP, slot(1), asm.R0, asm.DWord),
		asm.FnGetCurrentPidTgid.Call(),
		asm.StoreMem(asm.RFP, slot(2), asm.R0, asm.DWord),
	}

	for i := 0; i < argCount; i++ {
		if kind == kindLeave {
			if i == 0 {
				insns = append(insns,
					asm.LoadMem(asm.R0, asm.R6, ret, asm.DWord),
					asm.StoreMem(asm.RFP, slot(3), asm.R0, asm.DWord))
			} else {
				insns = append(insns, asm.StoreImm(asm.RFP, slot(3+i), 0, asm.DWord))
			}
			continue
		}
		insns = append(insns,
			asm.LoadMem(asm.R0, asm.R6, args[i], asm.DWord),
			asm.StoreMem(asm.RFP, slot(3+i), asm.R0, asm.DWord))
	}

	insns = append(insns,
		asm.LoadMapPtr(asm.R1, events.FD()),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, int32(base)),
		asm.Mov.Imm(asm.R3, eventSize),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnRingbufOutput.Call(),
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	)
	return insns, nil
}

// objects are the kernel resources shared by every hook.
type objects struct {
	events *ebpf.Map
	enter  *ebpf.Program
	leave  *ebpf.Program
}

func loadObjects(ringSize uint32) (*objects, error) {
	events, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "coral_events",
		Type:       ebpf.RingBuf,
		MaxEntries: ringSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create ring buffer: %w", err)
	}

	objs := &objects{events: events}
	for _, p := range []struct {
		name string
		kind uint64
		dst  **ebpf.Program
	}{
		{"coral_enter", kindEnter, &objs.enter},
		{"coral_leave", kindLeave, &objs.leave},
	} {
		insns, err := instructions(p.kind, events, runtime.GOARCH)
		if err != nil {
			objs.Close() // nolint:errcheck
			return nil, err
		}
		prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
			Name:         p.name,
			Type:         ebpf.Kprobe,
			License:      "GPL",
			Instructions: insns,
		})
		if err != nil {
			objs.Close() // nolint:errcheck
			return nil, fmt.Errorf("load %s program: %w", p.name, err)
		}
		*p.dst = prog
	}
	return objs, nil
}

func (o *objects) Close() error {
	var errs []error
	if o.enter != nil {
		if err := o.enter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close enter program: %w", err))
		}
	}
	if o.leave != nil {
		if err := o.leave.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close leave program: %w", err))
		}
	}
	if o.events != nil {
		if err := o.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ring buffer: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %v", errs)
	}
	return nil
}
