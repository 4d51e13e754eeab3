package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// AppName names the per-user directories.
const AppName = "sotacat"

// DefaultConfigPath is used when no --config flag is given.
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// DefaultDatabasePath keeps history under the XDG data directory.
func DefaultDatabasePath() string {
	return filepath.Join(xdg.DataHome, AppName, "sotacat.db")
}

// DefaultSocketPath is shared by sotad and sotactl.
func DefaultSocketPath() string {
	return filepath.Join(xdg.RuntimeDir, "sotad.sock")
}
