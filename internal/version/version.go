// Package version provides build-time version information.
// Variables are overridden via -ldflags at build time.
package version

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// String renders the version with the short commit hash when present.
func String() string {
	if Commit == "" {
		return Version
	}
	c := Commit
	if len(c) > 7 {
		c = c[:7]
	}
	return Version + " (" + c + ")"
}
