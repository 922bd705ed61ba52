package session

import (
	"os"

	"github.com/siawfish/kyoos-sub001/internal/config"
)

const DefaultSessionName = "main"

// Resolve picks the active session: the --session flag, then
// $KYOOS_SESSION, then default_session in config.toml, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if name := os.Getenv("KYOOS_SESSION"); name != "" {
		return name
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
