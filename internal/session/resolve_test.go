package session

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/config"
)

func TestResolve(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	t.Setenv(EnvSession, "")

	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultSessionName)
	}

	if err := config.Save(ConfigPath(), &config.Config{DefaultSession: "work"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() with config = %q, want %q", got, "work")
	}

	t.Setenv(EnvSession, "ops")
	if got := Resolve(""); got != "ops" {
		t.Errorf("Resolve() with env = %q, want %q", got, "ops")
	}
	if got := Resolve("cli"); got != "cli" {
		t.Errorf("Resolve(flag) = %q, want %q", got, "cli")
	}
}
