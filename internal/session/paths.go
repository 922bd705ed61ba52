package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns $KYOOS_HOME, or ~/.kyoos when unset.
func BaseDir() string {
	if dir := os.Getenv("KYOOS_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kyoos")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS path of the daemon's health service.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "kyoosd.sock")
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the message store path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "kyoos.db")
}

// SettingsPath returns the per-session settings file.
func SettingsPath(name string) string {
	return filepath.Join(Dir(name), "settings.toml")
}

// EnvPath returns the optional per-session .env file.
func EnvPath(name string) string {
	return filepath.Join(Dir(name), ".env")
}

// CredentialsPath returns the file credential store path.
func CredentialsPath(name string) string {
	return filepath.Join(Dir(name), "credentials.toml")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "kyoosd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
