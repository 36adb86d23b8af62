// Package version holds build metadata set with -ldflags -X.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
	// PackageManager is set by packagers (brew, nix, deb) at build time.
	PackageManager = ""
)

// String returns "ananas <version> (commit <c>, built <d>)". Without
// ldflags the module version and VCS revision recorded by the Go
// toolchain are used where available.
func String() string {
	v, c, d := Version, Commit, Date
	if info, ok := debug.ReadBuildInfo(); ok {
		if v == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
		for _, s := range info.Settings {
			switch {
			case s.Key == "vcs.revision" && c == "none":
				c = s.Value
				if len(c) > 12 {
					c = c[:12]
				}
			case s.Key == "vcs.time" && d == "unknown":
				d = s.Value
			}
		}
	}
	return fmt.Sprintf("ananas %s (commit %s, built %s)", v, c, d)
}

// DetectPackageManager returns the package manager name if ananas was
// installed via one, or empty string if standalone. Checks the build-time
// PackageManager var first, then falls back to executable path heuristics.
func DetectPackageManager(execPath string) string {
	if PackageManager != "" {
		return PackageManager
	}
	switch {
	case strings.Contains(execPath, "/Cellar/"),
		strings.Contains(execPath, "/homebrew/"),
		strings.Contains(execPath, "linuxbrew/"):
		return "brew"
	case strings.Contains(execPath, "/nix/store/"):
		return "nix"
	case strings.HasPrefix(execPath, "/usr/bin/"), strings.HasPrefix(execPath, "/usr/sbin/"):
		return "system"
	}
	return ""
}
