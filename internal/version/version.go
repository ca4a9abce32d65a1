// Package version carries build metadata injected at link time.
package version

import (
	"fmt"
	"runtime"
)

// Injected via -ldflags at build time.
var (
	// Version is the semantic version of this build.
	Version = "dev"

	// GitCommit is the commit hash the binary was built from.
	GitCommit = "unknown"

	// BuildDate is when the binary was built.
	BuildDate = "unknown"

	// GoVersion is the toolchain that produced the binary.
	GoVersion = runtime.Version()
)

// Info returns the short version string shown in logs and health output.
func Info() string {
	return Version
}

// Full returns the version with the abbreviated commit when one is known.
func Full() string {
	if GitCommit != "" && GitCommit != "unknown" && len(GitCommit) >= 7 {
		return fmt.Sprintf("%s (%s)", Version, GitCommit[:7])
	}
	return Version
}

// BuildInfo is the structured form used by the version command.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
}

// GetBuildInfo returns the build metadata for JSON output.
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: GoVersion,
	}
}
