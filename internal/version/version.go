// Package version reports the version of this module for artifact and cache compatibility checks.
package version

import (
	"runtime/debug"
	"strings"
)

// Default is the version reported when the module is built from source, e.g. in tests.
const Default = "dev"

// ArtifactFormat is bumped whenever the serialized layout of a compiled module changes.
const ArtifactFormat = "1"

// modulePath is the import path matched against the build info dependencies.
const modulePath = "github.com/spwasm/spwasm"

var version = Default

func init() {
	if v, ok := lookup(); ok {
		version = v
	}
}

func lookup() (string, bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	for _, dep := range info.Deps {
		if strings.Contains(dep.Path, modulePath) {
			// Replaced modules carry their version on the replacement.
			if dep.Replace != nil {
				dep = dep.Replace
			}
			if dep.Version == "" || dep.Version == "(devel)" {
				return "", false
			}
			return dep.Version, true
		}
	}
	return "", false
}

// GetVersion returns the version of this module in the current binary, or Default.
func GetVersion() string {
	return version
}
