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

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("default_session = ["), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for malformed file")
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

func TestLoadSessionDefaultsWhenMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadSession(filepath.Join(t.TempDir(), "session.toml"))
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if cfg.ReconnectBaseDelay.Duration != 500*time.Millisecond {
		t.Errorf("ReconnectBaseDelay = %v, want 500ms", cfg.ReconnectBaseDelay)
	}
	if cfg.ReconnectAttempts != 10 {
		t.Errorf("ReconnectAttempts = %d, want 10", cfg.ReconnectAttempts)
	}
	if cfg.TypingTimeout.Duration != time.Second {
		t.Errorf("TypingTimeout = %v, want 1s", cfg.TypingTimeout)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "session.toml")
	in := DefaultSession()
	in.ServerURL = "wss://chat.example/ws"
	in.UserID = "u1"
	in.TypingTimeout = Duration{1500 * time.Millisecond}
	if err := SaveSession(path, &in); err != nil {
		t.Fatal(err)
	}

	got, err := LoadSession(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.ServerURL != in.ServerURL || got.TypingTimeout != in.TypingTimeout {
		t.Errorf("LoadSession() = %+v, want %+v", got, in)
	}
}

func TestLoadSessionRejectsBadDuration(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "session.toml")
	if err := os.WriteFile(path, []byte(`typing_timeout = "soon"`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSession(path); err == nil {
		t.Error("LoadSession() expected error for invalid duration")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CHATSYNC_SERVER_URL":         "ws://localhost:9000",
		"CHATSYNC_RECONNECT_ATTEMPTS": "3",
		"CHATSYNC_TYPING_TIMEOUT":     "250ms",
		"CHATSYNC_CORS_ORIGINS":       "http://a, http://b,",
	}
	cfg := DefaultSession()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "ws://localhost:9000" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.ReconnectAttempts != 3 {
		t.Errorf("ReconnectAttempts = %d, want 3", cfg.ReconnectAttempts)
	}
	if cfg.TypingTimeout.Duration != 250*time.Millisecond {
		t.Errorf("TypingTimeout = %v, want 250ms", cfg.TypingTimeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestApplyEnvInvalid(t *testing.T) {
	cfg := DefaultSession()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "CHATSYNC_RECONNECT_ATTEMPTS" {
			return "many", true
		}
		return "", false
	})
	if err == nil {
		t.Error("ApplyEnv() expected error")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultSession()
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for empty session")
	}
	cfg.ServerURL = "ws://x"
	cfg.UserID = "u"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
