// Package version holds build metadata injected at link time via
// -ldflags "-X github.com/zerobrew/zb/version.Version=...".
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release tag, or "unknown" for untagged builds.
	Version = "unknown"
	// GitCommit is the short revision the binary was built from.
	GitCommit = "unknown"
	// BuiltAt is the build timestamp.
	BuiltAt = "unknown"
)

// String renders the full version block printed by `zb version`.
func String() string {
	return fmt.Sprintf("zb version %s\ngit commit: %s\nbuilt:      %s\ngo:         %s %s/%s\n",
		Version, GitCommit, BuiltAt, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
