package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the global ~/.kyoos/config.toml, shared by every session.
type Config struct {
	// DefaultSession names the session used when neither --session nor
	// $KYOOS_SESSION is given.
	DefaultSession string `toml:"default_session,omitempty"`
}

// Load reads the global config. A missing file yields an empty config.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the global config with 0600 permissions.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// SetDefaultSession records name as the default session. An empty name
// clears it.
func SetDefaultSession(path, name string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	cfg.DefaultSession = name
	return Save(path, cfg)
}

// writeTOML encodes v to path with 0600 permissions, creating parent
// directories as needed.
func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	if encErr != nil {
		return fmt.Errorf("write %s: %w", path, encErr)
	}
	return nil
}
