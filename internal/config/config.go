// Package config resolves the default file locations sshconn reads: its own
// YAML configuration and the user's OpenSSH known_hosts file.
package config

import (
	"os"
	"path/filepath"
)

// GetDefaultConfigPath returns the YAML config file inside the user's
// platform configuration directory ($XDG_CONFIG_HOME, %AppData%, or the OS
// equivalent), creating the sshconn directory if needed.
func GetDefaultConfigPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, "sshconn")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// GetDefaultKnownHostsPath returns the user's OpenSSH known_hosts file.
func GetDefaultKnownHostsPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".ssh", "known_hosts"), nil
}
