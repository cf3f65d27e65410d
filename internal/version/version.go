// Package version exposes the colony release version.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Commit is set at build time with -ldflags "-X .../version.Commit=<sha>".
var Commit = ""

// Get returns the current version, with whitespace trimmed.
func Get() string {
	return strings.TrimSpace(versionContent)
}

// String returns the version followed by the commit when one was stamped.
func String() string {
	if Commit == "" {
		return Get()
	}
	return Get() + " (" + Commit + ")"
}
