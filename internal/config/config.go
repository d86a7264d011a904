package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config defines server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	DB      DBConfig      `yaml:"db"`
	Cache   CacheConfig   `yaml:"cache"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig selects and tunes the session read cache.
// Driver is "memory" or "redis".
type CacheConfig struct {
	Driver           string `yaml:"driver"`
	RedisAddr        string `yaml:"redis_addr"`
	FreshnessSeconds int    `yaml:"freshness_seconds"`
	Capacity         int    `yaml:"capacity"`
}

type SessionConfig struct {
	TTLMinutes           int `yaml:"ttl_minutes"`
	RetentionDays        int `yaml:"retention_days"`
	ContextLifespanTurns int `yaml:"context_lifespan_turns"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from an optional YAML file and environment variables.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		DB: DBConfig{
			Path: "converse.db",
		},
		Cache: CacheConfig{
			Driver:           "memory",
			RedisAddr:        "localhost:6379",
			FreshnessSeconds: 300,
			Capacity:         10000,
		},
		Session: SessionConfig{
			TTLMinutes:           30,
			RetentionDays:        90,
			ContextLifespanTurns: 5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}

	if path := os.Getenv("CONVERSE_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if host := os.Getenv("CONVERSE_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if err := envInt("CONVERSE_SERVER_PORT", &cfg.Server.Port); err != nil {
		return Config{}, err
	}
	if dbPath := os.Getenv("CONVERSE_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if driver := os.Getenv("CONVERSE_CACHE_DRIVER"); driver != "" {
		cfg.Cache.Driver = driver
	}
	if addr := os.Getenv("CONVERSE_REDIS_ADDR"); addr != "" {
		cfg.Cache.RedisAddr = addr
	}
	if err := envInt("CONVERSE_CACHE_FRESHNESS_SECONDS", &cfg.Cache.FreshnessSeconds); err != nil {
		return Config{}, err
	}
	if err := envInt("CONVERSE_CACHE_CAPACITY", &cfg.Cache.Capacity); err != nil {
		return Config{}, err
	}
	if err := envInt("CONVERSE_SESSION_TTL_MINUTES", &cfg.Session.TTLMinutes); err != nil {
		return Config{}, err
	}
	if err := envInt("CONVERSE_SESSION_RETENTION_DAYS", &cfg.Session.RetentionDays); err != nil {
		return Config{}, err
	}
	if err := envInt("CONVERSE_CONTEXT_LIFESPAN_TURNS", &cfg.Session.ContextLifespanTurns); err != nil {
		return Config{}, err
	}
	if level := os.Getenv("CONVERSE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	if cfg.Cache.Driver != "memory" && cfg.Cache.Driver != "redis" {
		return Config{}, fmt.Errorf("invalid cache driver %q", cfg.Cache.Driver)
	}

	return cfg, nil
}

func envInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
