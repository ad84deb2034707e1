package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/middlewared"

// buildVersion is set via -ldflags "-X pkt.systems/middlewared/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the best available version string, always prefixed with "v".
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := fromVCS(info.Settings); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Semver returns Current without the leading "v", as reported by system.version.
func Semver() string {
	return strings.TrimPrefix(Current(), "v")
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

func fromVCS(settings []debug.BuildSetting) string {
	values := make(map[string]string, len(settings))
	for _, setting := range settings {
		values[setting.Key] = setting.Value
	}
	revision, stamp := values["vcs.revision"], values["vcs.time"]
	if revision == "" || stamp == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if values["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
