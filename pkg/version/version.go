// Package version reports the hybridrank build.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/Aman-CERP/hybridrank/pkg/version.Version=...".
// Builds without ldflags fall back to the module and VCS stamps that the Go
// toolchain embeds in the binary.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"

	GoVersion = runtime.Version()
)

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	fillFromBuildInfo(bi)
}

func fillFromBuildInfo(bi *debug.BuildInfo) {
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && Commit == "unknown":
			Commit = s.Value
			if len(Commit) > 12 {
				Commit = Commit[:12]
			}
		case s.Key == "vcs.time" && Date == "unknown":
			Date = s.Value
		}
	}
}

// BuildInfo is the JSON form printed by `hybridrank version --json`.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

func String() string {
	return fmt.Sprintf("hybridrank %s (commit: %s, built: %s, go: %s)", Version, Commit, Date, GoVersion)
}

func Short() string { return Version }

func GetInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}
