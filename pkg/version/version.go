// Package version holds build information injected at link time, e.g.
// go build -ldflags "-X autopilot/pkg/version.Version=v1.2.3".
package version

import "fmt"

//nolint:gochecknoglobals // ldflags can only set package-level vars.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build information for --version.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
