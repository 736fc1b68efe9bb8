// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

var (
	// Version is the release tag of the ratewatch binary.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("ratewatch %s (commit %s, built %s)", Version, Commit, BuildDate)
}
