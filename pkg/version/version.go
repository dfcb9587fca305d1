// Package version reports the release of the running binary
package version

import (
	_ "embed"
	"fmt"
	"runtime"
	"strings"
)

//go:embed VERSION
var raw string

// Version is the release from the embedded VERSION file
var Version = strings.TrimSpace(raw)

// Get returns the current version of the application
func Get() string {
	return Version
}

// String adds the Go toolchain and platform to the version
func String() string {
	return fmt.Sprintf("%s (%s %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
