// Package version exposes the build version stamped at link time.
package version

// version is overridden by the release build with
// -ldflags "-X github.com/musterlabs/muster/internal/version.version=v1.2.3".
var version = "dev"

// Get returns the current version string.
func Get() string {
	return version
}
