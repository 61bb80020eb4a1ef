package version

import (
	"fmt"
	"runtime"
)

// Filled in at link time.
var (
	// Version indicates which version of the binary is running.
	Version = "unknown"

	// GitCommit indicates which git hash the binary was built from.
	GitCommit = ""
)

// FullVersion returns the version string with the git commit and Go
// runtime appended.
func FullVersion() string {
	return fmt.Sprintf("%s commit: %s go: %s", Version, GitCommit, runtime.Version())
}

// PrintVersion prints the full version to stdout.
func PrintVersion() {
	fmt.Println(FullVersion())
}
