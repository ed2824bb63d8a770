// Package version carries build metadata set with -ldflags -X.
package version

import "fmt"

var (
	// Version is the release version of the driver.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String returns a one-line build description.
func String() string {
	return fmt.Sprintf("velodyne-driver %s (commit %s, built %s)", Version, GitSHA, BuildTime)
}
