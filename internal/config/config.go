// Package config resolves sshbridge's on-disk configuration directory and
// command-line flags.
package config

import (
	"os"
	"path/filepath"
)

// GetConfigDir returns the configuration directory for sshbridge, creating it
// if needed. The first of these that applies is used, on every platform:
//   - $XDG_CONFIG_HOME/sshbridge, if XDG_CONFIG_HOME is set
//   - %APPDATA%\sshbridge, if APPDATA is set
//   - $HOME/.config/sshbridge
func GetConfigDir() (string, error) {
	var configDir string

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		configDir = filepath.Join(xdgConfig, "sshbridge")
	} else if appData := os.Getenv("APPDATA"); appData != "" {
		configDir = filepath.Join(appData, "sshbridge")
	} else if homeDir, err := os.UserHomeDir(); err == nil {
		configDir = filepath.Join(homeDir, ".config", "sshbridge")
	} else {
		return "", err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return configDir, nil
}

// GetDefaultCertPaths returns the cert/key pair path used when the operator
// doesn't pass --certificate/--private-key. Reusing a cached path (instead of
// regenerating next to the binary's cwd on every launch) means restarts keep
// the same TLS identity.
func GetDefaultCertPaths() (certPath, keyPath string, err error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", "", err
	}
	return filepath.Join(dir, "dev-cert.pem"), filepath.Join(dir, "dev-key.pem"), nil
}
