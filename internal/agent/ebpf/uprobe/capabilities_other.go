//go:build !linux

package uprobe

import "runtime"

// DetectCapabilities reports that uprobes are unavailable.
func DetectCapabilities() Capabilities {
	return Capabilities{KernelVersion: runtime.GOOS + " (not Linux)"}
}
