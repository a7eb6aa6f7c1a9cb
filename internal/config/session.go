package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATSYNC_"

// Duration is a time.Duration written as a string such as "500ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Session is the per-session sessions/<name>/session.toml.
type Session struct {
	// ServerURL is the websocket endpoint of the chat server.
	ServerURL string `toml:"server_url"`
	// APIURL roots the conversation and summary HTTP APIs.
	APIURL string `toml:"api_url"`
	UserID string `toml:"user_id"`
	Token  string `toml:"token"`

	ReconnectBaseDelay Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay  Duration `toml:"reconnect_max_delay"`
	ReconnectAttempts  int      `toml:"reconnect_attempts"`
	TypingTimeout      Duration `toml:"typing_timeout"`
	SummaryTimeout     Duration `toml:"summary_timeout"`
	OutboxInterval     Duration `toml:"outbox_interval"`

	// ControlAddr is where the local control API listens.
	ControlAddr string   `toml:"control_addr"`
	CORSOrigins []string `toml:"cors_origins"`

	AMQPURL      string `toml:"amqp_url"`
	AMQPExchange string `toml:"amqp_exchange"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

// DefaultSession returns the settings used when nothing overrides them.
func DefaultSession() Session {
	return Session{
		ReconnectBaseDelay: Duration{500 * time.Millisecond},
		ReconnectMaxDelay:  Duration{10 * time.Second},
		ReconnectAttempts:  10,
		TypingTimeout:      Duration{time.Second},
		SummaryTimeout:     Duration{30 * time.Second},
		OutboxInterval:     Duration{500 * time.Millisecond},
		ControlAddr:        "127.0.0.1:7878",
		AMQPExchange:       "chatsync.events",
	}
}

// LoadSession reads path over the defaults. A missing file is not an error.
// Values from a .env file in the working directory and from CHATSYNC_*
// variables are applied last.
func LoadSession(path string) (*Session, error) {
	cfg := DefaultSession()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveSession writes cfg to path.
func SaveSession(path string, cfg *Session) error {
	return encode(path, cfg)
}

// ApplyEnv overrides fields from CHATSYNC_* variables found by lookup.
func (s *Session) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		if v, ok := lookup(EnvPrefix + key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
		}
		return nil
	}

	str("SERVER_URL", &s.ServerURL)
	str("API_URL", &s.APIURL)
	str("USER_ID", &s.UserID)
	str("TOKEN", &s.Token)
	str("CONTROL_ADDR", &s.ControlAddr)
	str("AMQP_URL", &s.AMQPURL)
	str("AMQP_EXCHANGE", &s.AMQPExchange)
	str("OTLP_ENDPOINT", &s.OTLPEndpoint)

	if v, ok := lookup(EnvPrefix + "CORS_ORIGINS"); ok {
		s.CORSOrigins = s.CORSOrigins[:0]
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				s.CORSOrigins = append(s.CORSOrigins, o)
			}
		}
	}
	if v, ok := lookup(EnvPrefix + "RECONNECT_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sRECONNECT_ATTEMPTS: %w", EnvPrefix, err)
		}
		s.ReconnectAttempts = n
	}
	return errors.Join(
		dur("RECONNECT_BASE_DELAY", &s.ReconnectBaseDelay),
		dur("RECONNECT_MAX_DELAY", &s.ReconnectMaxDelay),
		dur("TYPING_TIMEOUT", &s.TypingTimeout),
		dur("SUMMARY_TIMEOUT", &s.SummaryTimeout),
		dur("OUTBOX_INTERVAL", &s.OutboxInterval),
	)
}

// Validate reports settings the daemon cannot start without.
func (s *Session) Validate() error {
	var errs []error
	if s.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if s.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	if s.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("reconnect_attempts must not be negative"))
	}
	return errors.Join(errs...)
}
