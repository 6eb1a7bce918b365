// Package version reports the build identity of the aether kernel.
//
// The commit hash is resolved once at init, preferring an -ldflags override
// (container builds without .git), then the VCS stamp embedded by the Go
// toolchain, then the "dev" placeholder. Builds from a modified working tree
// carry a "-dirty" suffix.
package version

import "runtime/debug"

// AppName prefixes version strings such as the X-Aether-Version header.
const AppName = "aether"

// commitOverride is injected with
// -ldflags "-X github.com/aether-os/aether/pkg/version.commitOverride=<sha>".
var commitOverride string

// GitCommit is the short commit hash identifying this build, or "dev" when
// no VCS stamp is available (go test, tarball builds).
var GitCommit = resolveCommit()

// Full returns "aether/<commit>", the form used in headers and log fields.
func Full() string {
	return AppName + "/" + GitCommit
}

func resolveCommit() string {
	if commitOverride != "" {
		return shorten(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return "dev"
	}
	if dirty {
		return shorten(rev) + "-dirty"
	}
	return shorten(rev)
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
