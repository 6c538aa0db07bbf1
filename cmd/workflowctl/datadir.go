// ABOUTME: XDG-based data and config directory resolution for graphrunner CLI.
// ABOUTME: Checks XDG_DATA_HOME / XDG_CONFIG_HOME, falls back to ~/.local/share/graphrunner and ~/.config/graphrunner.
package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultDataDir returns the default data directory for graphrunner persistent state.
// It checks XDG_DATA_HOME first, then falls back to ~/.local/share/graphrunner.
func defaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "graphrunner"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(home, ".local", "share", "graphrunner"), nil
}

// defaultConfigDir returns the default config directory for graphrunner configuration.
// It checks XDG_CONFIG_HOME first, then falls back to ~/.config/graphrunner.
func defaultConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "graphrunner"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(home, ".config", "graphrunner"), nil
}
