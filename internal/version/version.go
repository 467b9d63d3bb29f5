// Package version holds build metadata injected with -ldflags.
package version

var (
	Version = "dev"
	Commit  = "none"
)

// String returns the version line printed by the CLI.
func String() string {
	return "promptoncron " + Version + " (" + Commit + ")"
}
