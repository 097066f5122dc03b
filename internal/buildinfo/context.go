// Package buildinfo carries build-time metadata injected with -ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X github.com/Hugo0713/Kunpeng-AED/internal/buildinfo.version=..."
var (
	version   = ""
	buildDate = ""
)

// Context contains build-time metadata that is not user-configurable.
type Context struct {
	Version   string
	BuildDate string
}

// Current returns the metadata of the running binary.
func Current() *Context {
	return &Context{Version: version, BuildDate: buildDate}
}

// GetVersion returns the version or "unknown".
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return "unknown"
	}
	return c.Version
}

// GetBuildDate returns the build date or "unknown".
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return "unknown"
	}
	return c.BuildDate
}

// String is the one-line version banner.
func (c *Context) String() string {
	return fmt.Sprintf("kunpeng-aed %s (built %s, %s/%s, %s)",
		c.GetVersion(), c.GetBuildDate(), runtime.GOOS, runtime.GOARCH, runtime.Version())
}
