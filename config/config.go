// Package config loads tek-s3's settings file and resolves the
// per-platform configuration and state directories.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// Settings is the content of settings.json. Unknown keys are ignored.
type Settings struct {
	ListenEndpoint string `json:"listen_endpoint"`
}

// DefaultListenEndpoint is used when settings.json is absent or does not
// set listen_endpoint.
const DefaultListenEndpoint = "127.0.0.1:8080"

// LoadSettings reads settings.json from path. A missing file yields the
// defaults; an unreadable or unparseable file is an error (fatal at
// startup).
func LoadSettings(path string) (Settings, error) {
	settings := Settings{ListenEndpoint: DefaultListenEndpoint}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return settings, nil
		}
		return settings, fmt.Errorf("read settings file: %w", err)
	}

	if err := json.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("parse settings file: %w", err)
	}
	if settings.ListenEndpoint == "" {
		settings.ListenEndpoint = DefaultListenEndpoint
	}
	return settings, nil
}

// Dir returns the tek-s3 configuration directory. TEK_S3_CONFIG_DIR
// overrides the platform default.
func Dir() (string, error) {
	if dir := os.Getenv("TEK_S3_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "tek-s3"), nil
}

// StateDir returns the tek-s3 state directory: $XDG_STATE_HOME (falling
// back to ~/.local/state) on Unix, %LOCALAPPDATA% on Windows.
// TEK_S3_STATE_DIR overrides the platform default.
func StateDir() (string, error) {
	if dir := os.Getenv("TEK_S3_STATE_DIR"); dir != "" {
		return dir, nil
	}

	if runtime.GOOS == "windows" {
		dir := os.Getenv("LOCALAPPDATA")
		if dir == "" {
			return "", errors.New("config: LOCALAPPDATA is not set")
		}
		return filepath.Join(dir, "tek-s3"), nil
	}

	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "tek-s3"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve state dir: %w", err)
	}
	return filepath.Join(home, ".local", "state", "tek-s3"), nil
}
