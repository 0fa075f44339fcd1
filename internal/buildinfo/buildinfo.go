// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// startTime records when the process started.
var startTime = time.Now()

// BuildInfo returns compile-time and platform metadata for "weaver
// -version" output.
func BuildInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// RuntimeInfo returns build metadata plus runtime state (uptime, etc.).
func RuntimeInfo() map[string]string {
	info := BuildInfo()
	info["uptime"] = Uptime().String()
	return info
}

// Uptime returns the duration since process start, truncated to whole
// seconds; RuntimeInfo reports it under "uptime".
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging and -version output.
func String() string {
	return fmt.Sprintf("weaver %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent is the default User-Agent header for outgoing HTTP and SOAP
// requests made by the http handler.
func UserAgent() string {
	return fmt.Sprintf("weaver/%s (+https://github.com/peti69/weaver)", Version)
}
