// Package version provides build version information, set with -ldflags
// "-X github.com/coral-mesh/tracer/pkg/version.Version=...".
package version

import (
	"runtime"
)

var (
	// Version is the semantic version.
	Version = "dev"

	// GitCommit is the git commit hash.
	GitCommit = "unknown"

	// BuildDate is the build timestamp.
	BuildDate = "unknown"

	// GoVersion is the Go version used to build.
	GoVersion = runtime.Version()
)

// String returns a one-line version summary.
func String() string {
	return Version + " (" + GitCommit + ", " + BuildDate + ", " + GoVersion + ")"
}
