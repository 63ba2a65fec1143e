// Package buildinfo reports the version of the running binary.
//
// Release builds inject the values with ldflags:
//
//	go build -ldflags "-X github.com/yndnr/vmsnap-go/internal/infra/buildinfo.Version=v0.3.0"
//
// Fields left at their defaults are filled from the module build info the
// Go toolchain embeds (VCS revision and time, compiler version).
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Build-time variables (set via ldflags).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info contains build information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Modified  bool   `json:"modified,omitempty"`
}

var (
	once sync.Once
	info Info
)

// Get returns the build information.
func Get() Info {
	once.Do(func() {
		info = resolve(Version, Commit, BuildTime, readBuildInfo)
	})
	return info
}

func readBuildInfo() (*debug.BuildInfo, bool) { return debug.ReadBuildInfo() }

func resolve(version, commit, buildTime string, read func() (*debug.BuildInfo, bool)) Info {
	out := Info{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := read()
	if !ok {
		return out
	}
	if out.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		out.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "unknown" {
				out.Commit = shortRevision(s.Value)
			}
		case "vcs.time":
			if out.BuildTime == "unknown" {
				out.BuildTime = s.Value
			}
		case "vcs.modified":
			out.Modified = s.Value == "true"
		}
	}
	return out
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// String returns a formatted version string.
func String() string {
	i := Get()
	s := fmt.Sprintf("%s (%s) built at %s, %s %s", i.Version, i.Commit, i.BuildTime, i.GoVersion, i.Platform)
	if i.Modified {
		s += " [modified]"
	}
	return s
}
