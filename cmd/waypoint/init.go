package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// cmdInit writes a settings file from the defaults and the given flags.
func cmdInit(args []string, out io.Writer) error {
	def := defaultConfig()
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	path := flags.String("config", settingsPath(), "settings file to write")
	storeKind := flags.String("store", def.Store, "store backend: memory, libsql, redis")
	dbPath := flags.String("db-path", def.DBPath, "libsql database path")
	redisAddr := flags.String("redis-addr", def.RedisAddr, "redis address")
	logLevel := flags.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	poolSize := flags.Int("pool-size", def.PoolSize, "worker pool size")
	instanceID := flags.String("instance-id", def.InstanceID, "owner marker stamped on executions")
	definitions := flags.String("definitions", def.Definitions, "directory of workflow definitions")
	force := flags.Bool("force", false, "overwrite an existing settings file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if !*force {
		if _, err := os.Stat(*path); err == nil {
			return fmt.Errorf("%s already exists (use -force to overwrite)", *path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	cfg := def
	cfg.Store = *storeKind
	cfg.DBPath = *dbPath
	cfg.RedisAddr = *redisAddr
	cfg.LogLevel = *logLevel
	cfg.PoolSize = *poolSize
	cfg.InstanceID = *instanceID
	cfg.Definitions = *definitions
	if err := cfg.validate(); err != nil {
		return err
	}

	if err := writeConfig(*path, cfg); err != nil {
		return fmt.Errorf("write %s: %w", *path, err)
	}
	if err := os.MkdirAll(cfg.Definitions, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", cfg.Definitions, err)
	}
	fmt.Fprintf(out, "Config written to %s\n", *path)
	fmt.Fprintf(out, "Definitions directory: %s\n", filepath.Clean(cfg.Definitions))
	return nil
}
