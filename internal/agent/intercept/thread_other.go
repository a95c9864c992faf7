//go:build !linux

package intercept

import "os"

// Only Linux exposes thread ids through x/sys; elsewhere calls are
// attributed to the process.
func currentThreadID() uint64 {
	return uint64(os.Getpid()) // #nosec G115 -- pids are positive
}
