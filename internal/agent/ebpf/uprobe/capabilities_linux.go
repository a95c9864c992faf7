//go:build linux

package uprobe

import (
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/features"
	"golang.org/x/sys/unix"
)

// DetectCapabilities reports whether this host can run the interceptor.
func DetectCapabilities() Capabilities {
	caps := Capabilities{
		KernelVersion: kernelVersion(),
		BTF:           checkBTF(),
	}

	if f, err := os.Open("/proc/self/status"); err == nil {
		if capEff, err := effectiveCapabilities(f); err == nil {
			caps.CapBPF = canLoadBPF(capEff)
		}
		f.Close() // nolint:errcheck
	}
	if !caps.CapBPF {
		return caps
	}

	caps.RingBuffer = features.HaveMapType(ebpf.RingBuf) == nil
	caps.AttachCookie = features.HaveProgramHelper(ebpf.Kprobe, asm.FnGetAttachCookie) == nil
	caps.Supported = caps.RingBuffer && caps.AttachCookie
	return caps
}

func kernelVersion() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "unknown"
	}
	return unix.ByteSliceToString(uts.Release[:])
}

// checkBTF checks if BTF (BPF Type Format) is available.
func checkBTF() bool {
	_, err := os.Stat("/sys/kernel/btf/vmlinux")
	return err == nil
}
