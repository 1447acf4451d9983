package cmd

import (
	"runtime/debug"
	"strings"
)

// ResolveVersion returns stamped when a release build set it. Otherwise it
// falls back to the module version from `go install`, then to the VCS
// revision recorded in the binary.
func ResolveVersion(stamped string) string {
	info, _ := debug.ReadBuildInfo()
	return versionFrom(stamped, info)
}

func versionFrom(stamped string, info *debug.BuildInfo) string {
	if stamped != "" && stamped != "dev" {
		return stamped
	}
	if info == nil {
		return stamped
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}

	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return stamped
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	parts := []string{"devel", rev}
	if settings["vcs.modified"] == "true" {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}
