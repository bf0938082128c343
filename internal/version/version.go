// Package version reports the build version of the mrmd-sync binary.
package version

import (
	"runtime/debug"
	"strings"
)

// buildVersion is set via
// -ldflags "-X github.com/MaximeRivest/mrmd-sync/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the best available version string.
func Current() string {
	if strings.TrimSpace(buildVersion) != "" {
		return buildVersion
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
	}
	return "v0.0.0-dev"
}
