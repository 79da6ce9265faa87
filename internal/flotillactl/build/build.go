package build

import "runtime"

// Populated at link time via -ldflags.
var (
	ReleaseVersion = "UNKNOWN"
	GitCommit      = "UNKNOWN"
	BuildTime      = "UNKNOWN"
)

var GoVersion = runtime.Version()
