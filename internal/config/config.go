// Package config loads and validates the service configuration from YAML,
// with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/engine"
)

// Config is the full service configuration.
type Config struct {
	Logging  LoggingConfig `yaml:"logging"`
	Server   ServerConfig  `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig   `yaml:"redis"`
	Fabric   FabricConfig  `yaml:"fabric"`
	Engine   engine.Config `yaml:"engine"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// ServerConfig controls the HTTP/WebSocket surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PostgresConfig controls run persistence. Disabled keeps the service
// fully in-memory.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// RedisConfig controls the hot cache.
type RedisConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Addr       string        `yaml:"addr"`
	DB         int           `yaml:"db"`
	Password   string        `yaml:"password"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// FabricConfig controls the coordination runtime background loops.
type FabricConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	EvalInterval  time.Duration `yaml:"eval_interval"`
	MaxQueueSize  int           `yaml:"max_queue_size"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    16,
			MaxIdleConns:    4,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DefaultTTL: 15 * time.Minute,
		},
		Fabric: FabricConfig{
			SweepInterval: time.Minute,
			EvalInterval:  10 * time.Second,
			MaxQueueSize:  1000,
		},
		Engine: engine.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. An empty path returns defaults.
// DATABASE_URL and REDIS_ADDR environment variables override file values so
// secrets stay out of the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr cannot be empty")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres enabled without dsn")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis enabled without addr")
	}
	if c.Fabric.MaxQueueSize <= 0 {
		return fmt.Errorf("fabric max_queue_size must be positive, got %d", c.Fabric.MaxQueueSize)
	}
	if errs := c.Engine.Validate(); len(errs) > 0 {
		return fmt.Errorf("engine config: %s", errs[0])
	}
	return nil
}
