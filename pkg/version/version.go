// Package version exposes the build version of the vigil binary.
package version

import "runtime/debug"

// Version is set by the build process.
var Version string

// Get returns the build version, falling back to the VCS revision embedded
// in the binary.
func Get() string {
	if Version != "" {
		return Version
	}

	v := "<unknown>"
	info, ok := debug.ReadBuildInfo()
	if ok {
		for _, kv := range info.Settings {
			if kv.Value == "" {
				continue
			}
			if kv.Key == "vcs.revision" {
				v = kv.Value
			}
		}
	}
	return v
}
