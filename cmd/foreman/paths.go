package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths holds all resolved foreman state file paths.
type Paths struct {
	Home       string // ~/.foreman or FOREMAN_HOME
	SocketPath string // foreman.sock or FOREMAN_SOCKET_PATH
	DBPath     string // state.db or FOREMAN_DB_PATH
	SpoolDir   string // spool/ under Home
	ConfigPath string // config.toml under Home
}

// ResolvePaths returns all foreman paths, respecting env var overrides:
// FOREMAN_HOME rebases everything, FOREMAN_SOCKET_PATH and FOREMAN_DB_PATH
// override individual paths.
func ResolvePaths() (*Paths, error) {
	home := os.Getenv("FOREMAN_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		home = filepath.Join(userHome, ".foreman")
	}
	return &Paths{
		Home:       home,
		SocketPath: resolvePathWithEnv("FOREMAN_SOCKET_PATH", home, "foreman.sock"),
		DBPath:     resolvePathWithEnv("FOREMAN_DB_PATH", home, "state.db"),
		SpoolDir:   filepath.Join(home, "spool"),
		ConfigPath: filepath.Join(home, "config.toml"),
	}, nil
}

func resolvePathWithEnv(envVar, base, name string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return filepath.Join(base, name)
}
