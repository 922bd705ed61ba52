package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Settings is the per-session settings.toml, overridable from the
// environment (KYOOS_* variables, optionally loaded from a .env file).
type Settings struct {
	// ServerURL is the websocket endpoint of the message server.
	ServerURL string `toml:"server_url"`
	// UserID is the account this session signs in as. Receipts and dedup
	// only apply to messages sent by this id.
	UserID   string `toml:"user_id"`
	APIAddr  string `toml:"api_addr"`
	LogLevel string `toml:"log_level"`
	// AutoConnect dials the server when the daemon starts.
	AutoConnect bool `toml:"auto_connect"`

	Connection Connection `toml:"connection"`
	Typing     Typing     `toml:"typing"`
	Credential Credential `toml:"credential"`
}

// Connection tunes the transport.
type Connection struct {
	HandshakeTimeout  time.Duration `toml:"handshake_timeout"`
	ReconnectAttempts int           `toml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `toml:"reconnect_delay"`
	ReconnectDelayMax time.Duration `toml:"reconnect_delay_max"`
	ReconnectJitter   float64       `toml:"reconnect_jitter"`
	PingInterval      time.Duration `toml:"ping_interval"`
	WriteTimeout      time.Duration `toml:"write_timeout"`
	OutboundRate      float64       `toml:"outbound_rate"`
	OutboundBurst     int           `toml:"outbound_burst"`
}

// Typing tunes the typing indicator timers.
type Typing struct {
	Debounce     time.Duration `toml:"debounce"`
	Idle         time.Duration `toml:"idle"`
	RemoteExpiry time.Duration `toml:"remote_expiry"`
}

// Credential selects where the bearer token is read from.
type Credential struct {
	// Backend is one of "file", "env" or "redis".
	Backend  string `toml:"backend"`
	Key      string `toml:"key"`
	RedisURL string `toml:"redis_url"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		APIAddr:     "127.0.0.1:7717",
		LogLevel:    "info",
		AutoConnect: true,
		Connection: Connection{
			HandshakeTimeout:  10 * time.Second,
			ReconnectAttempts: 5,
			ReconnectDelay:    time.Second,
			ReconnectDelayMax: 5 * time.Second,
			ReconnectJitter:   0.5,
			PingInterval:      54 * time.Second,
			WriteTimeout:      10 * time.Second,
			OutboundRate:      20,
			OutboundBurst:     10,
		},
		Typing: Typing{
			Debounce:     300 * time.Millisecond,
			Idle:         2 * time.Second,
			RemoteExpiry: 5 * time.Second,
		},
		Credential: Credential{
			Backend: "file",
			Key:     "auth_token",
		},
	}
}

// LoadSettings reads settings.toml on top of the defaults. A missing file
// is not an error. Environment overrides are applied afterwards; envFile,
// when non-empty and present, is read first and never overrides variables
// already set in the process environment.
func LoadSettings(path, envFile string) (Settings, error) {
	s := DefaultSettings()
	if _, err := toml.DecodeFile(path, &s); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return s, fmt.Errorf("load settings %s: %w", path, err)
	}

	env := map[string]string{}
	if envFile != "" {
		fileEnv, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return s, fmt.Errorf("load env file %s: %w", envFile, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := env[key]
		return v, ok
	}
	if err := s.applyEnv(lookup); err != nil {
		return s, err
	}
	return s, nil
}

// SaveSettings writes settings.toml with 0600 permissions.
func SaveSettings(path string, s Settings) error {
	return writeTOML(path, s)
}

// Validate reports settings that make the daemon unusable.
func (s Settings) Validate() error {
	if s.ServerURL == "" {
		return errors.New("server_url is not set (settings.toml or KYOOS_SERVER_URL)")
	}
	if s.UserID == "" {
		return errors.New("user_id is not set (settings.toml or KYOOS_USER_ID)")
	}
	switch s.Credential.Backend {
	case "file", "env":
	case "redis":
		if s.Credential.RedisURL == "" {
			return errors.New("credential backend redis needs redis_url")
		}
	default:
		return fmt.Errorf("unknown credential backend %q", s.Credential.Backend)
	}
	return nil
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("KYOOS_SERVER_URL", &s.ServerURL)
	str("KYOOS_USER_ID", &s.UserID)
	str("KYOOS_API_ADDR", &s.APIAddr)
	str("KYOOS_LOG_LEVEL", &s.LogLevel)
	str("KYOOS_CREDENTIAL_BACKEND", &s.Credential.Backend)
	str("KYOOS_CREDENTIAL_KEY", &s.Credential.Key)
	str("KYOOS_REDIS_URL", &s.Credential.RedisURL)

	if v, ok := lookup("KYOOS_AUTO_CONNECT"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KYOOS_AUTO_CONNECT: %w", err)
		}
		s.AutoConnect = b
	}
	if v, ok := lookup("KYOOS_HANDSHAKE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("KYOOS_HANDSHAKE_TIMEOUT: %w", err)
		}
		s.Connection.HandshakeTimeout = d
	}
	if v, ok := lookup("KYOOS_OUTBOUND_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("KYOOS_OUTBOUND_RATE: %w", err)
		}
		s.Connection.OutboundRate = f
	}
	return nil
}
