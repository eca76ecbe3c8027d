package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// These variables are set via ldflags by GoReleaser
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns formatted version information
func Info() string {
	return fmt.Sprintf("tachyon %s (commit: %s, built: %s) %s",
		Short(), Commit, Date, runtime.Version())
}

// Short returns just the version string. Binaries installed with
// go install fall back to the module version from build info.
func Short() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}
