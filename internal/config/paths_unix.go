//go:build linux || darwin

package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "resmon", "config.yaml"))
	}
	return append(paths, "/etc/resmon/config.yaml")
}

// defaultAPISocket places the API socket in the user's runtime
// directory, or disables it when there is none.
func defaultAPISocket() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "resmon", "api.sock")
}
