//go:build linux

package intercept

import "golang.org/x/sys/unix"

func currentThreadID() uint64 {
	return uint64(unix.Gettid()) // #nosec G115 -- tids are positive
}
