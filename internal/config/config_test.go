package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite3", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Redis.LockTTL)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
store:
  driver: postgres
  dsn: postgres://flowguard@localhost/flowguard?sslmode=disable
ledger:
  url: http://ledger.local
  receiver: 0xENGINE
  retries: 5
  retry_delay: 250ms
redis:
  addr: localhost:6379
  lock_ttl: 10s
log:
  level: debug
  format: json
tracing:
  enabled: true
catalog: catalog.cue
links:
  - name: indexer
    url: http://indexer.local/hook
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Ledger.Retries)
	assert.Equal(t, 250*time.Millisecond, cfg.Ledger.RetryDelay)
	assert.Equal(t, 10*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, "flowguard:", cfg.Redis.Prefix, "unset fields keep defaults")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "catalog.cue", cfg.Catalog)
	require.Len(t, cfg.Links, 1)
	assert.Equal(t, "indexer", cfg.Links[0].Name)
}

func TestLoad_EmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Listen, cfg.Listen)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "listen: \":1\"\nlisten_port: 9\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen_port")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	t.Setenv("FLOWGUARD_LOG_LEVEL", "warn")
	t.Setenv("FLOWGUARD_STORE_DRIVER", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"FLOWGUARD_LISTEN":          ":7000",
		"FLOWGUARD_STORE_DSN":       "/tmp/x.db",
		"FLOWGUARD_LEDGER_URL":      "http://ledger",
		"FLOWGUARD_LEDGER_RECEIVER": "0xabc",
		"FLOWGUARD_REDIS_ADDR":      "redis:6379",
		"FLOWGUARD_TRACING":         "true",
		"FLOWGUARD_LOCK_TTL":        "5s",
		"FLOWGUARD_CATALOG":         "/etc/flowguard/catalog.cue",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "/tmp/x.db", cfg.Store.DSN)
	assert.Equal(t, "http://ledger", cfg.Ledger.URL)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, "/etc/flowguard/catalog.cue", cfg.Catalog)
	require.NoError(t, cfg.Validate())

	bad := Default()
	err := bad.ApplyEnv(func(k string) (string, bool) {
		if k == "FLOWGUARD_TRACING" {
			return "sometimes", true
		}
		return noEnv(k)
	})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"empty dsn", func(c *Config) { c.Store.DSN = "" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"ledger without receiver", func(c *Config) { c.Ledger.URL = "http://ledger" }},
		{"negative retries", func(c *Config) { c.Ledger.Retries = -1 }},
		{"zero lock ttl", func(c *Config) { c.Redis.LockTTL = 0 }},
		{"link without url", func(c *Config) { c.Links = []LinkConfig{{Name: "a"}} }},
		{"reserved link name", func(c *Config) { c.Links = []LinkConfig{{Name: "staking", URL: "http://x"}} }},
		{"duplicate link", func(c *Config) {
			c.Links = []LinkConfig{{Name: "a", URL: "http://x"}, {Name: "a", URL: "http://y"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("memory store needs no dsn", func(t *testing.T) {
		cfg := Default()
		cfg.Store = StoreConfig{Driver: StoreMemory}
		assert.NoError(t, cfg.Validate())
	})
}
