package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Version information (set via -ldflags during build)
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// GetBuild returns the build timestamp
func GetBuild() string {
	return Build
}

// GetGitCommit returns the git commit hash
func GetGitCommit() string {
	return GitCommit
}

// GetFullVersion returns version with build info
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}

// ResolveVersion settles the reported version at startup. Order: ldflags
// value, then a .version file beside the executable, then APP_VERSION.
func ResolveVersion() string {
	exePath, err := os.Executable()
	if err == nil {
		versionFile := filepath.Join(filepath.Dir(exePath), ".version")
		if data, err := os.ReadFile(versionFile); err == nil {
			if v := strings.TrimSpace(string(data)); v != "" {
				Version = v
			}
		}
	}

	if v := os.Getenv("APP_VERSION"); v != "" {
		Version = v
	}

	return Version
}
