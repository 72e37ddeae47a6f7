// Package config loads flowguard settings from a YAML file and FLOWGUARD_*
// environment variables. Command-line flags are applied on top by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/flowguard/internal/logging"
	"github.com/roach88/flowguard/internal/policy"
	"github.com/roach88/flowguard/internal/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOWGUARD_"

// Config is the full process configuration.
type Config struct {
	// Listen is the HTTP listen address for `flowguard serve`.
	Listen string `yaml:"listen"`

	Store   StoreConfig   `yaml:"store"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`

	// Catalog is an optional path to a CUE coverage catalog, or "default"
	// for the embedded one. Empty means coverage types are not checked.
	Catalog string `yaml:"catalog,omitempty"`

	// Links are outbound webhook links notified on activation changes,
	// in addition to the built-in governance and staking registries.
	Links []LinkConfig `yaml:"links,omitempty"`
}

// StoreConfig selects the policy store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite3 | postgres | memory
	DSN    string `yaml:"dsn"`
}

// LedgerConfig points at the streaming ledger's query API.
type LedgerConfig struct {
	URL        string        `yaml:"url,omitempty"`
	Receiver   string        `yaml:"receiver,omitempty"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// RedisConfig enables the cross-replica policy locker when Addr is set.
type RedisConfig struct {
	Addr    string        `yaml:"addr,omitempty"`
	Prefix  string        `yaml:"prefix"`
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig enables stdout span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LinkConfig declares a webhook link.
type LinkConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// StoreMemory selects the in-memory arena store.
const StoreMemory = "memory"

// CatalogDefault selects the embedded coverage catalog.
const CatalogDefault = "default"

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen: "127.0.0.1:8080",
		Store: StoreConfig{
			Driver: string(store.SQLite),
			DSN:    "flowguard.db",
		},
		Ledger: LedgerConfig{
			Retries:    3,
			RetryDelay: 100 * time.Millisecond,
		},
		Redis: RedisConfig{
			Prefix:  "flowguard:",
			LockTTL: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(logging.FormatText),
		},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		// An empty file decodes to io.EOF; keep the defaults.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnv overrides fields from FLOWGUARD_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("LISTEN", &c.Listen)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("LEDGER_URL", &c.Ledger.URL)
	str("LEDGER_RECEIVER", &c.Ledger.Receiver)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PREFIX", &c.Redis.Prefix)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("CATALOG", &c.Catalog)

	if v, ok := lookup(EnvPrefix + "TRACING"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTRACING: %w", EnvPrefix, err)
		}
		c.Tracing.Enabled = b
	}
	if v, ok := lookup(EnvPrefix + "LOCK_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sLOCK_TTL: %w", EnvPrefix, err)
		}
		c.Redis.LockTTL = d
	}
	return nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Store.Driver != StoreMemory {
		if _, err := store.ParseDialect(c.Store.Driver); err != nil {
			return fmt.Errorf("store.driver: %w", err)
		}
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required")
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}
	if c.Ledger.URL != "" {
		if _, err := policy.ParseAccount(c.Ledger.Receiver); err != nil {
			return fmt.Errorf("ledger.receiver: %w", err)
		}
	}
	if c.Ledger.Retries < 0 {
		return errors.New("ledger.retries must not be negative")
	}
	if c.Redis.LockTTL <= 0 {
		return errors.New("redis.lock_ttl must be positive")
	}

	seen := make(map[string]bool, len(c.Links))
	for i, l := range c.Links {
		if l.Name == "" || l.URL == "" {
			return fmt.Errorf("links[%d]: name and url are required", i)
		}
		if l.Name == "governance" || l.Name == "staking" {
			return fmt.Errorf("links[%d]: name %q is reserved", i, l.Name)
		}
		if seen[l.Name] {
			return fmt.Errorf("links[%d]: duplicate name %q", i, l.Name)
		}
		seen[l.Name] = true
	}
	return nil
}
