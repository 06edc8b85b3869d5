package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// ErrMissingAPIBase is returned when no API base origin is configured. Any
// network-dependent component must refuse to start without it.
var ErrMissingAPIBase = errors.New("api_base_url is not configured")

type Config struct {
	DataDir    string `json:"data_dir"`
	LogLevel   string `json:"log_level"`
	APIBaseURL string `json:"api_base_url"`
	Session    struct {
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	} `json:"session"`
	Realtime struct {
		TypingIdleMS       int    `json:"typing_idle_ms"`
		SeenCapacity       int    `json:"seen_capacity"`
		SeenEvict          int    `json:"seen_evict"`
		PageSize           int    `json:"page_size"`
		MaxConcurrentRooms int    `json:"max_concurrent_rooms"`
		ReconcileSchedule  string `json:"reconcile_schedule"`
		PingIntervalSec    int    `json:"ping_interval_sec"`
		DialTimeoutSec     int    `json:"dial_timeout_sec"`
	} `json:"realtime"`
	Dev struct {
		Listen string `json:"listen"`
		DBPath string `json:"db_path"`
	} `json:"dev"`
}

// Default returns a Config populated with defaults. APIBaseURL is left
// empty on purpose: it has no sensible default.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".lingolive"),
		LogLevel: "info",
	}
	cfg.Realtime.TypingIdleMS = 1200
	cfg.Realtime.SeenCapacity = 200
	cfg.Realtime.SeenEvict = 100
	cfg.Realtime.PageSize = 30
	cfg.Realtime.MaxConcurrentRooms = 4
	cfg.Realtime.PingIntervalSec = 25
	cfg.Realtime.DialTimeoutSec = 10
	cfg.Dev.Listen = "127.0.0.1:8088"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if base := os.Getenv("LINGOLIVE_API_BASE_URL"); base != "" {
		cfg.APIBaseURL = base
	}
	if userID := os.Getenv("LINGOLIVE_USER_ID"); userID != "" {
		cfg.Session.UserID = userID
	}
	if token := os.Getenv("LINGOLIVE_TOKEN"); token != "" {
		cfg.Session.Token = token
	}
	if level := os.Getenv("LINGOLIVE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if cfg.Dev.DBPath == "" {
		cfg.Dev.DBPath = filepath.Join(cfg.DataDir, "dev.db")
	}

	return cfg, nil
}

// Validate checks the settings every network-dependent command needs.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return ErrMissingAPIBase
	}
	if _, err := SocketURL(c.APIBaseURL); err != nil {
		return err
	}
	return nil
}

func (c *Config) TypingIdle() time.Duration {
	return time.Duration(c.Realtime.TypingIdleMS) * time.Millisecond
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Realtime.PingIntervalSec) * time.Second
}

func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Realtime.DialTimeoutSec) * time.Second
}

// SocketURL derives the push endpoint from the REST base. The socket is
// mounted at the server root, so any API path prefix is dropped.
func SocketURL(apiBase string) (string, error) {
	if apiBase == "" {
		return "", ErrMissingAPIBase
	}
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("parse api_base_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("api_base_url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api_base_url: missing host")
	}
	u.Path = "/ws"
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String(), nil
}

// Save writes cfg as indented JSON via a temp file and rename.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every setting under its dotted key, with secrets
// masked when mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue loads the config at path and returns the value at key.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue parses raw for key, checking the key's range or allowed values
// when it has them, stores it and saves the config.
func SetValue(path, key, raw string) error {
	cfg, err := Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return err
	}
	current, ok := flat[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}

	v, err := parseSetting(key, raw, current)
	if err != nil {
		return err
	}
	flat[key] = v

	data, err := json.Marshal(Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	updated := &Config{}
	if err := json.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("apply %s: %w", key, err)
	}
	return Save(path, updated)
}
