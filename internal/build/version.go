package build

import (
	"runtime"
	"runtime/debug"
)

// Commit is set via -ldflags at build time to the release tag plus commit
// hash (e.g. "v0.3.0-12-gabc1234"). Empty in a plain `go build`.
var Commit string

// CommitHash is the VCS commit hash embedded by the Go toolchain's build
// info, read once at process start. Empty if the binary wasn't built from a
// VCS checkout (e.g. `go install` from a module cache).
var CommitHash = readVCSRevision()

// GoVersion is the Go toolchain version this binary was built with.
var GoVersion = runtime.Version()

// semver is bumped by hand on tagged releases.
const semver = "0.1.0"

// Version returns the semantic version of this build.
func Version() string {
	return semver
}

func readVCSRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}

	return ""
}
