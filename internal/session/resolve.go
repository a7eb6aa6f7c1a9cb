package session

import (
	"os"

	"github.com/matheus3301/chatsync/internal/config"
)

const DefaultSessionName = "main"

// EnvSession names the session when no flag is given.
const EnvSession = config.EnvPrefix + "SESSION"

// Resolve picks the active session: the --session flag, then
// $CHATSYNC_SESSION, then default_session from config.toml, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if name := os.Getenv(EnvSession); name != "" {
		return name
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
