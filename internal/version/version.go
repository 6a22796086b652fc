// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries build metadata injected at link time.
package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags "-X github.com/galvani-project/galvani/internal/version.version=..."
var (
	version   string
	buildTime string
	gitBranch string
	gitCommit string
)

type VersionInfo struct {
	Version   string
	BuildTime string
	GitBranch string
	GitCommit string

	GoVersion string
	GoOS      string
	GoArch    string
}

// Info returns the build's version information.
func Info() VersionInfo {
	return VersionInfo{
		Version:   version,
		BuildTime: buildTime,
		GitBranch: gitBranch,
		GitCommit: gitCommit,

		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		GoArch:    runtime.GOARCH,
	}
}

// String renders the one-line banner printed by --version. Fields the build
// did not link in show up as "unknown".
func (v VersionInfo) String() string {
	return fmt.Sprintf("galvani, version %s (branch: %s, revision: %s)",
		orUnknown(v.Version), orUnknown(v.GitBranch), orUnknown(v.GitCommit))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
