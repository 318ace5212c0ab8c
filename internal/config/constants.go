package config

import (
	"os"
	"path/filepath"
)

const (
	// ConfigDirName is the relay's directory under the user home.
	ConfigDirName = ".tingly-relay"

	// ConfigFileName is the default config file inside the config directory.
	ConfigFileName = "relay.yaml"

	// DatabaseFileName is the default sqlite database file.
	DatabaseFileName = "relay.db"

	// RecordsDirName holds upstream traffic recordings.
	RecordsDirName = "records"

	// LogDirName holds rotated log files.
	LogDirName = "log"

	// EnvPrefix is the prefix of every environment override.
	EnvPrefix = "TINGLY_RELAY_"
)

// DefaultConfDir returns the config directory path (default: ~/.tingly-relay).
func DefaultConfDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home directory is not accessible
		return ConfigDirName
	}
	return filepath.Join(homeDir, ConfigDirName)
}

// DefaultConfigFile returns the default config file path.
func DefaultConfigFile() string {
	return filepath.Join(DefaultConfDir(), ConfigFileName)
}
