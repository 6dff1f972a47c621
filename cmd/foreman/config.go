package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the engine configuration, read from config.toml. Zero values
// fall back to defaults via withDefaults.
type Config struct {
	// DefaultAgent is used when session creation names no agent.
	DefaultAgent string `toml:"default_agent"`
	// EventAddr is the localhost listen address for the websocket feed.
	EventAddr string `toml:"event_addr"`
	// SpoolPollSeconds is the fallback spool scan interval backing fsnotify.
	SpoolPollSeconds int `toml:"spool_poll_seconds"`
	// LogLevel is debug, info, warn, or error.
	LogLevel string `toml:"log_level"`
	// Agents maps additional agent ids to their binaries.
	Agents map[string]string `toml:"agents"`
}

func (c Config) withDefaults() Config {
	if c.DefaultAgent == "" {
		c.DefaultAgent = "claude"
	}
	if c.EventAddr == "" {
		c.EventAddr = "127.0.0.1:7713"
	}
	if c.SpoolPollSeconds == 0 {
		c.SpoolPollSeconds = 30
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}

// loadConfig reads config.toml. A missing file is not an error; defaults
// apply.
func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from ResolvePaths
	if errors.Is(err, os.ErrNotExist) {
		return Config{}.withDefaults(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}
