package config_test

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/waymark/internal/config"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func key(b byte) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat(string(b), 32)))
}

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "file", cfg.Store.Driver)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waymark.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: redis
  redis_url: redis://localhost:6379/0
cache:
  ttl: 30s
expiry:
  max_age: 2h
  interval: 10m
log:
  level: DEBUG
pii_patterns: ["\\d{3}-\\d{2}-\\d{4}"]
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "waymark:", cfg.Store.RedisPrefix, "defaults survive partial files")
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 2*time.Hour, cfg.Expiry.MaxAge)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Len(t, cfg.PIIPatterns, 1)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("WAYMARK_CACHE_TTL=0s\n"), 0o644))
	t.Setenv("WAYMARK_CACHE_TTL", "")
	require.NoError(t, os.Unsetenv("WAYMARK_CACHE_TTL"))

	cfgPath := filepath.Join(dir, "waymark.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  driver: memory\n"), 0o644))

	cfg, err := config.Load(cfgPath, dotenv, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Zero(t, cfg.Cache.TTL)
}

func TestApplyEnv(t *testing.T) {
	cfg := config.Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"WAYMARK_STORE":             "mongo",
		"WAYMARK_MONGO_URI":         "mongodb://localhost:27017",
		"WAYMARK_EXPIRE_AFTER":      "90m",
		"WAYMARK_DISTRIBUTED_LOCKS": "false",
		"WAYMARK_PII_PATTERNS":      "a, b,,",
		"WAYMARK_ENCRYPTION_KEY":    key('k'),
		"WAYMARK_TRANSPORT":         "sse",
		"WAYMARK_MAX_ARG_SIZE":      "4096",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "mongo", cfg.Store.Driver)
	assert.Equal(t, 90*time.Minute, cfg.Expiry.MaxAge)
	assert.Equal(t, []string{"a", "b"}, cfg.PIIPatterns)
	assert.Equal(t, "sse", cfg.Server.Transport)
	assert.Equal(t, 4096, cfg.MaxArgSize)

	active, fallback, err := cfg.Encryption.Keys()
	require.NoError(t, err)
	assert.Len(t, active, 32)
	assert.Empty(t, fallback)
}

func TestApplyEnv_BadValues(t *testing.T) {
	cfg := config.Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"WAYMARK_CACHE_TTL":         "forever",
		"WAYMARK_DISTRIBUTED_LOCKS": "maybe",
		"WAYMARK_MAX_ARG_SIZE":      "big",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WAYMARK_MAX_ARG_SIZE")
	assert.Contains(t, err.Error(), "WAYMARK_CACHE_TTL")
	assert.Contains(t, err.Error(), "WAYMARK_DISTRIBUTED_LOCKS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"unknown driver", func(c *config.Config) { c.Store.Driver = "sqlite" }, "Driver"},
		{"redis without url", func(c *config.Config) { c.Store.Driver = "redis" }, "RedisURL"},
		{"badger without path", func(c *config.Config) { c.Store.Driver = "badger"; c.Store.Path = "" }, "store.path"},
		{"negative ttl", func(c *config.Config) { c.Cache.TTL = -time.Second }, "TTL"},
		{"sweeper without interval", func(c *config.Config) { c.Expiry.Interval = 0 }, "expiry.interval"},
		{"short key", func(c *config.Config) { c.Encryption.Key = base64.StdEncoding.EncodeToString([]byte("short")) }, "32 bytes"},
		{"fallback without active", func(c *config.Config) { c.Encryption.FallbackKeys = []string{key('a')} }, "active key"},
		{"bad level", func(c *config.Config) { c.Log.Level = "loud" }, "Level"},
		{"locks without redis", func(c *config.Config) { c.Store.DistributedLocks = true }, "redis_url"},
		{"bad pii pattern", func(c *config.Config) { c.PIIPatterns = []string{"(unclosed"} }, "pii pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
