package config

import (
	"os"
	"path/filepath"
)

// FileName is the settings file looked up in the working directory.
const FileName = "config.json"

// Dir is the per-user config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "locallm")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".locallm")
	}
	return filepath.Join(home, ".config", "locallm")
}

// UserFile is the settings file inside Dir.
func UserFile() string { return filepath.Join(Dir(), FileName) }

// ResolvePath picks the settings file: explicit flag, then LOCALLM_CONFIG,
// then ./config.json when it exists, then UserFile.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv("LOCALLM_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat(FileName); err == nil {
		return FileName
	}
	return UserFile()
}
