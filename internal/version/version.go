// Package version reports the build identity of the binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/flashssh"

// buildVersion is set via -ldflags "-X pkt.systems/flashssh/internal/version.buildVersion=...".
var buildVersion = ""

// Details describes the running build.
type Details struct {
	Module   string `json:"module"`
	Version  string `json:"version"`
	Revision string `json:"revision,omitempty"`
	Dirty    bool   `json:"dirty,omitempty"`
}

// String renders "module version".
func (d Details) String() string {
	return d.Module + " " + d.Version
}

// Get returns the build details.
func Get() Details {
	info, _ := debug.ReadBuildInfo()
	return detailsFrom(info)
}

// Current returns the best available version string.
func Current() string {
	return Get().Version
}

func detailsFrom(info *debug.BuildInfo) Details {
	d := Details{Module: defaultModule, Version: "v0.0.0-unknown"}
	var vcs vcsInfo
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			d.Module = path
		}
		vcs = readVCS(info)
		d.Revision = vcs.revision
		d.Dirty = vcs.modified
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		d.Version = strings.TrimSpace(buildVersion)
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		d.Version = strings.TrimSpace(info.Main.Version)
	default:
		if v := vcs.pseudo(); v != "" {
			d.Version = v
		}
	}
	d.Version = strings.TrimSuffix(d.Version, "+dirty")
	return d
}

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

func readVCS(info *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			out.time = setting.Value
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

func (v vcsInfo) pseudo() string {
	if v.revision == "" || v.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, v.time)
	if err != nil {
		return ""
	}
	rev := v.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	return "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
}
