package uprobe

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Linux capability bit positions (from include/uapi/linux/capability.h).
const (
	capSysAdmin = 21
	capPerfmon  = 38
	capBPF      = 39
)

// Capabilities describes the eBPF features the interceptor relies on.
type Capabilities struct {
	Supported     bool   `json:"supported"`
	KernelVersion string `json:"kernelVersion"`
	BTF           bool   `json:"btf"`
	// CapBPF is set with CAP_BPF and CAP_PERFMON, or with CAP_SYS_ADMIN.
	CapBPF       bool `json:"capBpf"`
	RingBuffer   bool `json:"ringBuffer"`
	AttachCookie bool `json:"attachCookie"`
}

// effectiveCapabilities reads the CapEff bitmask from a proc status file.
// Format: "CapEff:\t00000000a80435fb"
func effectiveCapabilities(status io.Reader) (uint64, error) {
	scanner := bufio.NewScanner(status)
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok || name != "CapEff" {
			continue
		}
		bitmask, err := strconv.ParseUint(strings.TrimSpace(value), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse CapEff bitmask: %w", err)
		}
		return bitmask, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan status: %w", err)
	}
	return 0, fmt.Errorf("CapEff not found")
}

func canLoadBPF(capEff uint64) bool {
	has := func(bit int) bool { return capEff&(1<<uint(bit)) != 0 }
	return has(capSysAdmin) || has(capBPF) && has(capPerfmon)
}
