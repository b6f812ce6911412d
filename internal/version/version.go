// Package version reports the steward release and the commit it was built
// from.
package version

import (
	_ "embed"
	"runtime/debug"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the release version with whitespace trimmed.
func Get() string {
	return strings.TrimSpace(versionContent)
}

// Commit returns the VCS revision recorded by the Go toolchain, or "unknown"
// for builds made outside a checkout.
func Commit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return "unknown"
}

// String is Get plus the commit, e.g. "0.1.0 (3f2a9c1b7d0e)".
func String() string {
	return Get() + " (" + Commit() + ")"
}
