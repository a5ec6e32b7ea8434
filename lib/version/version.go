// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
)

// These variables are set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty indicates whether there were uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version. This is set manually for releases.
	Version = "0.1.0-dev"
)

// Build describes the running binary. It is reported by the room
// server's status action.
type Build struct {
	Version   string `cbor:"version"`
	Commit    string `cbor:"commit"`
	Dirty     bool   `cbor:"dirty"`
	BuildTime string `cbor:"build_time"`
	Go        string `cbor:"go"`
}

// Current returns the build information of the running binary.
func Current() Build {
	return Build{
		Version:   Version,
		Commit:    GitCommit,
		Dirty:     GitDirty == "true",
		BuildTime: BuildTime,
		Go:        runtime.Version(),
	}
}

// Info returns a formatted version string suitable for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns detailed version information including Go version.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
