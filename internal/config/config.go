// Package config loads service configuration from the environment and an
// optional accounts file.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atmx/subledger-engine/internal/model"
)

// Config is the service configuration.
type Config struct {
	Port              string
	DatabaseURL       string
	RedisURL          string
	SQLitePath        string
	NATSURL           string
	AccountsFile      string
	LogLevel          slog.Level
	CacheTTL          time.Duration
	ReconcileDebounce time.Duration
	Accounts          []Account
}

// Account is one venue account whose event feed the service consumes.
type Account struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// AccountsFile is the on-disk layout of ACCOUNTS_FILE.
type AccountsFile struct {
	Accounts []Account `json:"accounts" yaml:"accounts"`
}

// Load reads the configuration. getenv is usually os.Getenv.
func Load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Port:              envOr(getenv, "PORT", "8080"),
		DatabaseURL:       getenv("DATABASE_URL"),
		RedisURL:          getenv("REDIS_URL"),
		SQLitePath:        getenv("SQLITE_PATH"),
		NATSURL:           getenv("NATS_URL"),
		AccountsFile:      getenv("ACCOUNTS_FILE"),
		CacheTTL:          30 * time.Second,
		ReconcileDebounce: 500 * time.Millisecond,
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(envOr(getenv, "LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	var err error
	if cfg.CacheTTL, err = envDuration(getenv, "CACHE_TTL", cfg.CacheTTL); err != nil {
		return nil, err
	}
	if cfg.ReconcileDebounce, err = envDuration(getenv, "RECONCILE_DEBOUNCE", cfg.ReconcileDebounce); err != nil {
		return nil, err
	}

	if cfg.AccountsFile != "" {
		accounts, err := LoadAccounts(cfg.AccountsFile)
		if err != nil {
			return nil, err
		}
		cfg.Accounts = accounts
	} else {
		cfg.Accounts = []Account{{ID: model.DefaultAccount}}
	}
	return cfg, nil
}

// AccountIDs returns the configured account ids.
func (c *Config) AccountIDs() []string {
	ids := make([]string, len(c.Accounts))
	for i, a := range c.Accounts {
		ids[i] = a.ID
	}
	return ids
}

// LoadAccounts reads an accounts file (YAML, falling back to JSON) and
// validates it. Ids are normalized; an id that changes under
// normalization or appears twice is rejected.
func LoadAccounts(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var f AccountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		if jerr := json.Unmarshal(data, &f); jerr != nil {
			return nil, fmt.Errorf("parse accounts file (tried YAML and JSON): %w", err)
		}
	}
	if err := validate(f.Accounts); err != nil {
		return nil, fmt.Errorf("accounts file %s: %w", path, err)
	}
	return f.Accounts, nil
}

func validate(accounts []Account) error {
	if len(accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}
	seen := make(map[string]bool, len(accounts))
	for i, a := range accounts {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("account %d: empty id", i)
		}
		if norm := model.NormalizeAccount(id); norm != id {
			return fmt.Errorf("account %q: id must match [a-z0-9_]+ (did you mean %q?)", id, norm)
		}
		if seen[id] {
			return fmt.Errorf("account %q: duplicate id", id)
		}
		seen[id] = true
	}
	return nil
}

func envOr(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", key)
	}
	return d, nil
}
