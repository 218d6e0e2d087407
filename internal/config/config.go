package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Realtime transports.
const (
	RealtimeWebsocket = "websocket"
	RealtimePoll      = "poll"
)

// Config represents the global ~/.gymchat/config.toml.
type Config struct {
	DefaultSession string     `toml:"default_session"`
	API            APIConfig  `toml:"api"`
	Sync           SyncConfig `toml:"sync"`
	Log            LogConfig  `toml:"log"`
}

// APIConfig locates the remote message store.
type APIConfig struct {
	BaseURL      string   `toml:"base_url"`
	Token        string   `toml:"token"`
	Timeout      Duration `toml:"timeout"`
	Realtime     string   `toml:"realtime"`
	PollInterval Duration `toml:"poll_interval"`
}

// SyncConfig tunes the reconciliation engine.
type SyncConfig struct {
	PageSize       int      `toml:"page_size"`
	Debounce       Duration `toml:"debounce"`
	DeleteCooldown Duration `toml:"delete_cooldown"`
	// Preload is how many inbox conversations get their messages fetched
	// at startup.
	Preload int `toml:"preload"`
}

// LogConfig sets the daemon log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a string ("300ms") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:      "http://localhost:8080",
			Timeout:      Duration{15 * time.Second},
			Realtime:     RealtimeWebsocket,
			PollInterval: Duration{5 * time.Second},
		},
		Sync: SyncConfig{
			PageSize:       50,
			Debounce:       Duration{300 * time.Millisecond},
			DeleteCooldown: Duration{time.Second},
			Preload:        5,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from the given path on top of the defaults. Returns
// nil and an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnv resolves the effective configuration: defaults, then the
// TOML file if present, then variables from envFiles (".env" when none are
// given), then GYMCHAT_* variables already in the environment.
func LoadWithEnv(path string, envFiles ...string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *Duration) error {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		return nil
	}

	setString("GYMCHAT_SESSION", &c.DefaultSession)
	setString("GYMCHAT_API_URL", &c.API.BaseURL)
	setString("GYMCHAT_TOKEN", &c.API.Token)
	setString("GYMCHAT_REALTIME", &c.API.Realtime)
	setString("GYMCHAT_LOG_LEVEL", &c.Log.Level)
	if v, ok := os.LookupEnv("GYMCHAT_PAGE_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GYMCHAT_PAGE_SIZE: %w", err)
		}
		c.Sync.PageSize = n
	}
	if err := setDuration("GYMCHAT_TIMEOUT", &c.API.Timeout); err != nil {
		return err
	}
	if err := setDuration("GYMCHAT_POLL_INTERVAL", &c.API.PollInterval); err != nil {
		return err
	}
	if err := setDuration("GYMCHAT_DEBOUNCE", &c.Sync.Debounce); err != nil {
		return err
	}
	return setDuration("GYMCHAT_DELETE_COOLDOWN", &c.Sync.DeleteCooldown)
}

// Validate reports settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	switch c.API.Realtime {
	case RealtimeWebsocket, RealtimePoll:
	default:
		return fmt.Errorf("api.realtime must be %q or %q, got %q", RealtimeWebsocket, RealtimePoll, c.API.Realtime)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive, got %d", c.Sync.PageSize)
	}
	if c.Sync.Preload < 0 {
		return fmt.Errorf("sync.preload must not be negative, got %d", c.Sync.Preload)
	}
	return nil
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
