package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/matheus3301/chatlink/internal/status"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATLINK_"

// Duration is a time.Duration written as a string ("4s") in TOML and in
// the environment.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

// Reconnect is the reconnect backoff policy.
type Reconnect struct {
	Initial    Duration `toml:"initial" env:"INITIAL"`
	Max        Duration `toml:"max" env:"MAX"`
	Multiplier float64  `toml:"multiplier" env:"MULTIPLIER"`
	MaxRetries int      `toml:"max_retries" env:"MAX_RETRIES"`
	Jitter     float64  `toml:"jitter" env:"JITTER"`
}

// Config represents the global ~/.chatlink/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile" env:"DEFAULT_PROFILE"`
	BaseURL        string   `toml:"base_url" env:"BASE_URL"`
	WebSocketURL   string   `toml:"websocket_url" env:"WEBSOCKET_URL"`
	ClientType     string   `toml:"client_type" env:"CLIENT_TYPE"`
	ClientVersion  string   `toml:"client_version" env:"CLIENT_VERSION"`
	HeartBeat      Duration `toml:"heartbeat" env:"HEARTBEAT"`
	QueueExpiry    Duration `toml:"queue_expiry" env:"QUEUE_EXPIRY"`
	PollInterval   Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
	LogLevel       string   `toml:"log_level" env:"LOG_LEVEL"`
	// Tracing writes dial and REST spans to the profile's log directory.
	Tracing   bool      `toml:"tracing" env:"TRACING"`
	Reconnect Reconnect `toml:"reconnect" envPrefix:"RECONNECT_"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	p := status.DefaultPolicy()
	return &Config{
		DefaultProfile: "main",
		BaseURL:        "http://localhost:8080",
		WebSocketURL:   "ws://localhost:8080/ws",
		ClientType:     "cli",
		ClientVersion:  "0.1.0",
		HeartBeat:      Duration{4 * time.Second},
		QueueExpiry:    Duration{5 * time.Minute},
		PollInterval:   Duration{8 * time.Second},
		LogLevel:       "info",
		Reconnect: Reconnect{
			Initial:    Duration{p.InitialInterval},
			Max:        Duration{p.MaxInterval},
			Multiplier: p.Multiplier,
			MaxRetries: p.MaxRetries,
		},
	}
}

// Load reads config from the given path over the defaults. Returns nil and
// an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve loads path if it exists, applies CHATLINK_* environment
// overrides and validates the result.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the endpoints and the reconnect policy.
func (c *Config) Validate() error {
	if err := checkURL("base_url", c.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("websocket_url", c.WebSocketURL, "ws", "wss"); err != nil {
		return err
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1, got %v", c.Reconnect.Multiplier)
	}
	if c.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("reconnect.max_retries must be >= 0, got %d", c.Reconnect.MaxRetries)
	}
	return nil
}

// Policy returns the reconnect policy for the transport.
func (c *Config) Policy() status.Policy {
	return status.Policy{
		InitialInterval:     c.Reconnect.Initial.Duration,
		MaxInterval:         c.Reconnect.Max.Duration,
		Multiplier:          c.Reconnect.Multiplier,
		MaxRetries:          c.Reconnect.MaxRetries,
		RandomizationFactor: c.Reconnect.Jitter,
	}
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q: want an absolute %v url", field, raw, schemes)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
