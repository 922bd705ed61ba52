package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultSession: "work"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultSession != "" {
		t.Errorf("DefaultSession = %q, want empty", cfg.DefaultSession)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "default_session = [")
	if _, err := Load(path); err == nil {
		t.Error("Load() should fail on malformed TOML")
	}
}

func TestSetDefaultSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kyoos", "config.toml")

	if err := SetDefaultSession(path, "work"); err != nil {
		t.Fatalf("SetDefaultSession() error = %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want work", cfg.DefaultSession)
	}

	if err := SetDefaultSession(path, ""); err != nil {
		t.Fatal(err)
	}
	cfg, _ = Load(path)
	if cfg.DefaultSession != "" {
		t.Errorf("DefaultSession = %q after clearing, want empty", cfg.DefaultSession)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSettingsDefaultsWhenMissing(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "settings.toml"), "")
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	want := DefaultSettings()
	if s.Connection.HandshakeTimeout != want.Connection.HandshakeTimeout {
		t.Errorf("handshake timeout = %v, want %v", s.Connection.HandshakeTimeout, want.Connection.HandshakeTimeout)
	}
	if s.Typing.Debounce != 300*time.Millisecond || s.Typing.Idle != 2*time.Second || s.Typing.RemoteExpiry != 5*time.Second {
		t.Errorf("typing = %+v", s.Typing)
	}
	if s.Connection.ReconnectAttempts != 5 {
		t.Errorf("reconnect attempts = %d, want 5", s.Connection.ReconnectAttempts)
	}
}

func TestLoadSettingsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.toml")
	writeFile(t, path, `
server_url = "wss://chat.example.com/ws"
user_id = "u-1"

[connection]
handshake_timeout = "3s"
reconnect_attempts = 2

[credential]
backend = "env"
`)
	s, err := LoadSettings(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if s.ServerURL != "wss://chat.example.com/ws" || s.UserID != "u-1" {
		t.Errorf("settings = %+v", s)
	}
	if s.Connection.HandshakeTimeout != 3*time.Second || s.Connection.ReconnectAttempts != 2 {
		t.Errorf("connection = %+v", s.Connection)
	}
	// Untouched keys keep their defaults.
	if s.Connection.ReconnectDelayMax != 5*time.Second {
		t.Errorf("reconnect delay max = %v, want 5s", s.Connection.ReconnectDelayMax)
	}
	if s.Credential.Backend != "env" || s.Credential.Key != "auth_token" {
		t.Errorf("credential = %+v", s.Credential)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.toml")
	writeFile(t, path, `server_url = "ws://file"`)
	envFile := filepath.Join(dir, ".env")
	writeFile(t, envFile, "KYOOS_USER_ID=from-dotenv\nKYOOS_SERVER_URL=ws://dotenv\n")

	t.Setenv("KYOOS_SERVER_URL", "ws://process")
	t.Setenv("KYOOS_HANDSHAKE_TIMEOUT", "750ms")

	s, err := LoadSettings(path, envFile)
	if err != nil {
		t.Fatal(err)
	}
	if s.ServerURL != "ws://process" {
		t.Errorf("server url = %q, process env should win", s.ServerURL)
	}
	if s.UserID != "from-dotenv" {
		t.Errorf("user id = %q, want from-dotenv", s.UserID)
	}
	if s.Connection.HandshakeTimeout != 750*time.Millisecond {
		t.Errorf("handshake timeout = %v, want 750ms", s.Connection.HandshakeTimeout)
	}
}

func TestEnvRejectsBadValues(t *testing.T) {
	t.Setenv("KYOOS_OUTBOUND_RATE", "fast")
	if _, err := LoadSettings(filepath.Join(t.TempDir(), "settings.toml"), ""); err == nil {
		t.Error("LoadSettings() should reject a non-numeric rate")
	}
}

func TestValidate(t *testing.T) {
	ok := DefaultSettings()
	ok.ServerURL = "ws://x"
	ok.UserID = "u"

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"valid", func(*Settings) {}, false},
		{"no server", func(s *Settings) { s.ServerURL = "" }, true},
		{"no user", func(s *Settings) { s.UserID = "" }, true},
		{"redis without url", func(s *Settings) { s.Credential.Backend = "redis" }, true},
		{"redis with url", func(s *Settings) {
			s.Credential.Backend = "redis"
			s.Credential.RedisURL = "redis://localhost:6379/0"
		}, false},
		{"unknown backend", func(s *Settings) { s.Credential.Backend = "vault" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ok
			tt.mutate(&s)
			if err := s.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
