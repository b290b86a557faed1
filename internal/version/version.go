// Package version reports the build version of the ccbridge binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/ccbridge"

// buildVersion is set via -ldflags "-X pkt.systems/ccbridge/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Version   string
	Module    string
	Revision  string
	Dirty     bool
	GoVersion string
}

// String renders the build info on one line.
func (i Info) String() string {
	out := fmt.Sprintf("ccbridge %s (%s, %s)", i.Version, i.Module, i.GoVersion)
	if i.Revision != "" {
		out += " rev " + i.Revision
		if i.Dirty {
			out += "+dirty"
		}
	}
	return out
}

// Current returns the best available version string (without dirty suffix).
func Current() string {
	return Read().Version
}

// Read collects the build info of the running binary.
func Read() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
}

func fromBuildInfo(info *debug.BuildInfo, override string) Info {
	out := Info{Module: defaultModule, GoVersion: runtime.Version(), Version: "v0.0.0-unknown"}
	if info == nil {
		if v := strings.TrimSpace(override); v != "" {
			out.Version = strings.TrimSuffix(v, "+dirty")
		}
		return out
	}
	if path := strings.TrimSpace(info.Main.Path); path != "" {
		out.Module = path
	}
	if info.GoVersion != "" {
		out.GoVersion = info.GoVersion
	}
	var vcsTime string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.Revision = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		case "vcs.modified":
			out.Dirty = setting.Value == "true"
		}
	}
	if len(out.Revision) > 12 {
		out.Revision = out.Revision[:12]
	}
	switch {
	case strings.TrimSpace(override) != "":
		out.Version = strings.TrimSuffix(strings.TrimSpace(override), "+dirty")
	case info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = strings.TrimSuffix(info.Main.Version, "+dirty")
	case out.Revision != "" && vcsTime != "":
		if parsed, err := time.Parse(time.RFC3339, vcsTime); err == nil {
			out.Version = "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + out.Revision
		}
	}
	return out
}
