// Package buildinfo holds version metadata stamped at build time via
// -ldflags.
package buildinfo

// Version, Commit, and BuildDate are overridden at build time with:
//
//	go build -ldflags "-X github.com/sentrygate/kernel/internal/buildinfo.Version=1.2.3 ..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders a single-line version banner.
func String() string {
	return Version + " (commit " + Commit + ", built " + BuildDate + ")"
}
