// Package config loads the waymark configuration from waymark.yaml, a .env
// file and WAYMARK_* environment variables, in increasing precedence.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no config file is named. It may be absent.
const DefaultPath = "waymark.yaml"

// Config is the runtime configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Cache      CacheConfig      `yaml:"cache"`
	Expiry     ExpiryConfig     `yaml:"expiry"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Encryption EncryptionConfig `yaml:"encryption"`

	// PIIPatterns are regular expressions masked out of side data before it is stored.
	PIIPatterns []string `yaml:"pii_patterns"`

	// ToolsFile declares external process tools.
	ToolsFile string `yaml:"tools_file"`

	// MaxArgSize bounds each string argument of a tool call, in bytes.
	// Zero disables the bound.
	MaxArgSize int `yaml:"max_arg_size" validate:"gte=0"`
}

// StoreConfig selects and configures the session store.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=memory file redis mongo badger"`

	// Path is the data directory of the file and badger drivers.
	Path string `yaml:"path"`

	RedisURL    string `yaml:"redis_url" validate:"required_if=Driver redis"`
	RedisPrefix string `yaml:"redis_prefix"`
	// DistributedLocks serializes sessions across processes through Redis.
	DistributedLocks bool `yaml:"distributed_locks"`

	MongoURI        string `yaml:"mongo_uri" validate:"required_if=Driver mongo"`
	MongoDatabase   string `yaml:"mongo_database" validate:"required_if=Driver mongo"`
	MongoCollection string `yaml:"mongo_collection" validate:"required_if=Driver mongo"`
}

// CacheConfig bounds how long a cached session is trusted.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
}

// ExpiryConfig drives the background sweeper. A zero MaxAge disables it.
type ExpiryConfig struct {
	MaxAge   time.Duration `yaml:"max_age" validate:"gte=0"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

// ServerConfig configures the HTTP and MCP transports.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
	// Transport of the mcp command: stdio or sse.
	Transport string `yaml:"transport" validate:"oneof=stdio sse"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// EncryptionConfig holds base64 encoded AES-256 keys. Empty disables encryption.
type EncryptionConfig struct {
	Key          string   `yaml:"key"`
	FallbackKeys []string `yaml:"fallback_keys"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Store:  StoreConfig{Driver: "file", Path: ".waymark", RedisPrefix: "waymark:", MongoDatabase: "waymark", MongoCollection: "sessions"},
		Cache:  CacheConfig{TTL: 5 * time.Minute},
		Expiry: ExpiryConfig{MaxAge: 24 * time.Hour, Interval: time.Hour},
		Server: ServerConfig{Addr: ":8080", Transport: "stdio"},
		Log:    LogConfig{Level: "info", Format: "text"},

		MaxArgSize: 16 << 10,
	}
}

// Load builds the configuration. An empty path reads DefaultPath if it
// exists; a named path must exist. envFiles are loaded with godotenv and
// never override variables already set in the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := cfg.readFile(path, explicit); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from WAYMARK_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	str("WAYMARK_STORE", &c.Store.Driver)
	str("WAYMARK_STORE_PATH", &c.Store.Path)
	str("WAYMARK_REDIS_URL", &c.Store.RedisURL)
	str("WAYMARK_REDIS_PREFIX", &c.Store.RedisPrefix)
	boolean("WAYMARK_DISTRIBUTED_LOCKS", &c.Store.DistributedLocks)
	str("WAYMARK_MONGO_URI", &c.Store.MongoURI)
	str("WAYMARK_MONGO_DATABASE", &c.Store.MongoDatabase)
	str("WAYMARK_MONGO_COLLECTION", &c.Store.MongoCollection)
	dur("WAYMARK_CACHE_TTL", &c.Cache.TTL)
	dur("WAYMARK_EXPIRE_AFTER", &c.Expiry.MaxAge)
	dur("WAYMARK_SWEEP_INTERVAL", &c.Expiry.Interval)
	str("WAYMARK_ADDR", &c.Server.Addr)
	str("WAYMARK_TRANSPORT", &c.Server.Transport)
	str("WAYMARK_LOG_LEVEL", &c.Log.Level)
	str("WAYMARK_LOG_FORMAT", &c.Log.Format)
	str("WAYMARK_ENCRYPTION_KEY", &c.Encryption.Key)
	list("WAYMARK_ENCRYPTION_FALLBACK_KEYS", &c.Encryption.FallbackKeys)
	list("WAYMARK_PII_PATTERNS", &c.PIIPatterns)
	str("WAYMARK_TOOLS", &c.ToolsFile)
	integer("WAYMARK_MAX_ARG_SIZE", &c.MaxArgSize)
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(c.Log.Level)
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if (c.Store.Driver == "file" || c.Store.Driver == "badger") && c.Store.Path == "" {
		return fmt.Errorf("invalid config: store.path is required for the %s driver", c.Store.Driver)
	}
	if c.Store.DistributedLocks && c.Store.Driver != "redis" && c.Store.RedisURL == "" {
		return errors.New("invalid config: distributed_locks needs redis_url")
	}
	if c.Expiry.MaxAge > 0 && c.Expiry.Interval <= 0 {
		return errors.New("invalid config: expiry.interval must be positive when max_age is set")
	}
	if _, _, err := c.Encryption.Keys(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, p := range c.PIIPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid config: pii pattern %q: %w", p, err)
		}
	}
	return nil
}

// Keys decodes the active and fallback keys. A nil active key means
// encryption is off.
func (e EncryptionConfig) Keys() (active []byte, fallback [][]byte, err error) {
	if e.Key == "" {
		if len(e.FallbackKeys) > 0 {
			return nil, nil, errors.New("encryption fallback keys need an active key")
		}
		return nil, nil, nil
	}
	if active, err = decodeKey(e.Key); err != nil {
		return nil, nil, err
	}
	for _, k := range e.FallbackKeys {
		key, err := decodeKey(k)
		if err != nil {
			return nil, nil, err
		}
		fallback = append(fallback, key)
	}
	return active, fallback, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
