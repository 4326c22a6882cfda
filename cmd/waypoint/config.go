package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all waypoint process configuration.
// Priority: env vars > settings.yaml > defaults.
type Config struct {
	Store       string `yaml:"store"`
	DBPath      string `yaml:"db_path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	PoolSize   int    `yaml:"pool_size"`
	InstanceID string `yaml:"instance_id"`
	// Definitions is a directory of workflow definitions loaded at startup so
	// that resume and sweep can rebuild their flows.
	Definitions string `yaml:"definitions"`

	SweepSchedule string        `yaml:"sweep_schedule"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	MetricsAddr   string        `yaml:"metrics_addr"`

	// Transforms are jq programs registered as "transform.<name>" actions.
	Transforms map[string]string `yaml:"transforms,omitempty"`
}

const (
	storeMemory = "memory"
	storeLibSQL = "libsql"
	storeRedis  = "redis"
)

func defaultConfig() Config {
	return Config{
		Store:         storeLibSQL,
		DBPath:        filepath.Join(waypointDir(), "waypoint.db"),
		RedisAddr:     "localhost:6379",
		RedisPrefix:   "waypoint:",
		LogLevel:      "info",
		LogFormat:     "text",
		PoolSize:      10,
		InstanceID:    defaultInstanceID(),
		Definitions:   filepath.Join(waypointDir(), "definitions"),
		SweepSchedule: "* * * * *",
		StaleAfter:    time.Minute,
		MetricsAddr:   ":9464",
	}
}

func waypointDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".waypoint"
	}
	return filepath.Join(home, ".waypoint")
}

func settingsPath() string {
	if v := os.Getenv("WAYPOINT_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(waypointDir(), "settings.yaml")
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "waypoint"
	}
	return host
}

// loadConfig layers the settings file at path and WAYPOINT_* env vars over
// the defaults. A missing file is not an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.yaml.
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	// Layer 3: env vars override.
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"WAYPOINT_STORE":          &cfg.Store,
		"WAYPOINT_DB_PATH":        &cfg.DBPath,
		"WAYPOINT_REDIS_ADDR":     &cfg.RedisAddr,
		"WAYPOINT_REDIS_PREFIX":   &cfg.RedisPrefix,
		"WAYPOINT_LOG_LEVEL":      &cfg.LogLevel,
		"WAYPOINT_LOG_FORMAT":     &cfg.LogFormat,
		"WAYPOINT_INSTANCE_ID":    &cfg.InstanceID,
		"WAYPOINT_DEFINITIONS":    &cfg.Definitions,
		"WAYPOINT_SWEEP_SCHEDULE": &cfg.SweepSchedule,
		"WAYPOINT_METRICS_ADDR":   &cfg.MetricsAddr,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"WAYPOINT_REDIS_DB":  &cfg.RedisDB,
		"WAYPOINT_POOL_SIZE": &cfg.PoolSize,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("WAYPOINT_STALE_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("WAYPOINT_STALE_AFTER: %w", err)
		}
		cfg.StaleAfter = d
	}
	return nil
}

func (c Config) validate() error {
	switch c.Store {
	case storeMemory, storeLibSQL, storeRedis:
	default:
		return fmt.Errorf("unknown store %q (want memory, libsql or redis)", c.Store)
	}
	if c.Store == storeLibSQL && c.DBPath == "" {
		return errors.New("db_path is required for the libsql store")
	}
	if c.Store == storeRedis && c.RedisAddr == "" {
		return errors.New("redis_addr is required for the redis store")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale_after must be positive, got %s", c.StaleAfter)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (want text or json)", c.LogFormat)
	}
	return nil
}

func (c Config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return lvl, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// writeConfig stores cfg at path, creating its directory.
func writeConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
