// Package config loads gqlite configuration from defaults, an optional
// YAML or TOML file, and GQLITE_ environment variables, in that order.
//
// Example Usage:
//
//	cfg, err := config.Load("gqlite.yaml")
//	if err != nil {
//		log.Fatal().Err(err).Msg("invalid config")
//	}
//	fmt.Printf("listening on %s\n", cfg.Server.Addr())
//
// Environment Variables:
//
// Server:
//   - GQLITE_ADDRESS="0.0.0.0"
//   - GQLITE_PORT=2999
//   - GQLITE_READ_TIMEOUT=30s
//   - GQLITE_WRITE_TIMEOUT=60s
//
// Database:
//   - GQLITE_DB_PATH="./data/graph"
//   - GQLITE_ENGINE="embedded" or "cgo"
//   - GQLITE_LOCK_POLICY="exclusive" or "shared-read"
//   - GQLITE_MAX_READERS=64
//   - GQLITE_QUERY_TIMEOUT=30s
//   - GQLITE_TRACK_RESOURCES=false
//   - GQLITE_SYNC_WRITES=false
//
// Cache:
//   - GQLITE_CACHE_BACKEND="memory", "redis" or "none"
//   - GQLITE_CACHE_SIZE=1000
//   - GQLITE_CACHE_TTL=1m
//   - GQLITE_REDIS_ADDR="localhost:6379"
//   - GQLITE_REDIS_PASSWORD=""
//   - GQLITE_REDIS_DB=0
//
// History:
//   - GQLITE_HISTORY_PATH="" (empty disables history)
//
// Logging:
//   - GQLITE_LOG_LEVEL="info"
//   - GQLITE_LOG_FORMAT="console" or "json"
//   - GQLITE_LOG_FILE=""
//   - GQLITE_SLOW_QUERY_THRESHOLD=500ms
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds all gqlite configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Cache    CacheConfig    `yaml:"cache" toml:"cache"`
	History  HistoryConfig  `yaml:"history" toml:"history"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds HTTP gateway settings.
type ServerConfig struct {
	Address      string        `yaml:"address" toml:"address"`
	Port         int           `yaml:"port" toml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	// MaxBodyBytes bounds the size of a POST /query body.
	MaxBodyBytes int64 `yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// DatabaseConfig holds engine and gateway settings.
type DatabaseConfig struct {
	// Path is the store directory, or ":memory:".
	Path string `yaml:"path" toml:"path"`
	// Engine selects the native library: "embedded" or "cgo".
	Engine string `yaml:"engine" toml:"engine"`
	// LockPolicy is "exclusive" or "shared-read".
	LockPolicy string `yaml:"lock_policy" toml:"lock_policy"`
	// MaxReaders bounds concurrent reads under shared-read.
	MaxReaders int `yaml:"max_readers" toml:"max_readers"`
	// QueryTimeout is the per-request deadline; zero disables it.
	QueryTimeout   time.Duration `yaml:"query_timeout" toml:"query_timeout"`
	TrackResources bool          `yaml:"track_resources" toml:"track_resources"`
	SyncWrites     bool          `yaml:"sync_writes" toml:"sync_writes"`
}

// CacheConfig holds the read-only result cache settings.
type CacheConfig struct {
	Backend       string        `yaml:"backend" toml:"backend"`
	Size          int           `yaml:"size" toml:"size"`
	TTL           time.Duration `yaml:"ttl" toml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" toml:"redis_db"`
}

// HistoryConfig holds the query history settings.
type HistoryConfig struct {
	// Path of the SQLite file. Empty disables history.
	Path string `yaml:"path" toml:"path"`
	// Limit is the default page size of GET /history.
	Limit int `yaml:"limit" toml:"limit"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	// File enables a rotating log file next to the console output.
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
	// SlowQueryThreshold logs queries slower than this at warn level.
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" toml:"slow_query_threshold"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      "0.0.0.0",
			Port:         2999,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Database: DatabaseConfig{
			Path:         "./data/graph",
			Engine:       "embedded",
			LockPolicy:   "exclusive",
			MaxReaders:   64,
			QueryTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Backend:   "memory",
			Size:      1000,
			TTL:       time.Minute,
			RedisAddr: "localhost:6379",
		},
		History: HistoryConfig{
			Limit: 50,
		},
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			MaxSizeMB:          100,
			MaxBackups:         3,
			MaxAgeDays:         28,
			SlowQueryThreshold: 500 * time.Millisecond,
		},
	}
}

// Load builds a Config from defaults, then the file at path (skipped when
// path is empty), then the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv returns the defaults overridden by GQLITE_ variables.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

// LoadFile returns the defaults overridden by the file at path. Files ending
// in .toml are parsed as TOML, everything else as YAML.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Address = getEnv("GQLITE_ADDRESS", c.Server.Address)
	c.Server.Port = getEnvInt("GQLITE_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("GQLITE_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("GQLITE_WRITE_TIMEOUT", c.Server.WriteTimeout)

	c.Database.Path = getEnv("GQLITE_DB_PATH", c.Database.Path)
	c.Database.Engine = getEnv("GQLITE_ENGINE", c.Database.Engine)
	c.Database.LockPolicy = getEnv("GQLITE_LOCK_POLICY", c.Database.LockPolicy)
	c.Database.MaxReaders = getEnvInt("GQLITE_MAX_READERS", c.Database.MaxReaders)
	c.Database.QueryTimeout = getEnvDuration("GQLITE_QUERY_TIMEOUT", c.Database.QueryTimeout)
	c.Database.TrackResources = getEnvBool("GQLITE_TRACK_RESOURCES", c.Database.TrackResources)
	c.Database.SyncWrites = getEnvBool("GQLITE_SYNC_WRITES", c.Database.SyncWrites)

	c.Cache.Backend = getEnv("GQLITE_CACHE_BACKEND", c.Cache.Backend)
	c.Cache.Size = getEnvInt("GQLITE_CACHE_SIZE", c.Cache.Size)
	c.Cache.TTL = getEnvDuration("GQLITE_CACHE_TTL", c.Cache.TTL)
	c.Cache.RedisAddr = getEnv("GQLITE_REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisPassword = getEnv("GQLITE_REDIS_PASSWORD", c.Cache.RedisPassword)
	c.Cache.RedisDB = getEnvInt("GQLITE_REDIS_DB", c.Cache.RedisDB)

	c.History.Path = getEnv("GQLITE_HISTORY_PATH", c.History.Path)

	c.Logging.Level = getEnv("GQLITE_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("GQLITE_LOG_FORMAT", c.Logging.Format)
	c.Logging.File = getEnv("GQLITE_LOG_FILE", c.Logging.File)
	c.Logging.SlowQueryThreshold = getEnvDuration("GQLITE_SLOW_QUERY_THRESHOLD", c.Logging.SlowQueryThreshold)
}

// Validate checks c for values the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	switch c.Database.Engine {
	case "embedded", "cgo":
	default:
		return fmt.Errorf("unknown engine %q (want embedded or cgo)", c.Database.Engine)
	}
	switch c.Database.LockPolicy {
	case "", "exclusive", "shared-read":
	default:
		return fmt.Errorf("unknown lock policy %q (want exclusive or shared-read)", c.Database.LockPolicy)
	}
	if c.Database.MaxReaders < 1 {
		return fmt.Errorf("max readers must be at least 1, got %d", c.Database.MaxReaders)
	}
	if c.Database.QueryTimeout < 0 {
		return fmt.Errorf("negative query timeout: %s", c.Database.QueryTimeout)
	}
	switch c.Cache.Backend {
	case "memory", "none", "":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("redis cache backend requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json", "":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

// String returns a summary of c safe for logging. The Redis password is
// never included.
func (c *Config) String() string {
	redis := "-"
	if c.Cache.Backend == "redis" {
		redis = c.Cache.RedisAddr
		if c.Cache.RedisPassword != "" {
			redis = "***@" + redis
		}
	}
	return fmt.Sprintf(
		"Config{HTTP: %s, DB: %s, Engine: %s, Policy: %s, Cache: %s, Redis: %s, History: %q, Log: %s}",
		c.Server.Addr(),
		c.Database.Path, c.Database.Engine, c.Database.LockPolicy,
		c.Cache.Backend, redis, c.History.Path, c.Logging.Level,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
