package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
	assert.Equal(t, storeLibSQL, cfg.Store)
	assert.Equal(t, time.Minute, cfg.StaleAfter)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := writeFile(t, t.TempDir(), "settings.yaml", `
store: redis
redis_addr: cache:6379
redis_db: 2
pool_size: 3
log_level: warn
stale_after: 30s
sweep_schedule: "*/5 * * * *"
transforms:
  upper: '.name |= ascii_upcase'
`)
	t.Setenv("WAYPOINT_POOL_SIZE", "7")
	t.Setenv("WAYPOINT_LOG_LEVEL", "debug")
	t.Setenv("WAYPOINT_INSTANCE_ID", "node-a")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, storeRedis, cfg.Store)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, "waypoint:", cfg.RedisPrefix)
	assert.Equal(t, 7, cfg.PoolSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "node-a", cfg.InstanceID)
	assert.Equal(t, 30*time.Second, cfg.StaleAfter)
	assert.Equal(t, "*/5 * * * *", cfg.SweepSchedule)
	assert.Equal(t, map[string]string{"upper": ".name |= ascii_upcase"}, cfg.Transforms)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "malformed yaml", file: "store: [memory"},
		{name: "unknown store", file: "store: etcd"},
		{name: "zero pool", file: "pool_size: 0"},
		{name: "bad log level", file: "log_level: loud"},
		{name: "bad log format", file: "log_format: xml"},
		{name: "bad duration", file: "stale_after: soon"},
		{name: "env int", env: map[string]string{"WAYPOINT_POOL_SIZE": "many"}},
		{name: "env duration", env: map[string]string{"WAYPOINT_STALE_AFTER": "-"}},
		{name: "env store", env: map[string]string{"WAYPOINT_STORE": "disk"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "settings.yaml", tt.file)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestWriteConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	cfg := defaultConfig()
	cfg.Store = storeMemory
	cfg.StaleAfter = 90 * time.Second
	cfg.Transforms = map[string]string{"tag": ".tagged = true"}
	require.NoError(t, writeConfig(path, cfg))

	got, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	defs := filepath.Join(dir, "defs")
	args := []string{"-config", path, "-store", "memory", "-definitions", defs, "-pool-size", "4"}

	var out bytes.Buffer
	require.NoError(t, cmdInit(args, &out))
	assert.Contains(t, out.String(), path)
	assert.DirExists(t, defs)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, storeMemory, cfg.Store)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, defs, cfg.Definitions)

	require.Error(t, cmdInit(args, &out))
	require.NoError(t, cmdInit(append(args, "-force"), &out))

	require.Error(t, cmdInit([]string{"-config", filepath.Join(dir, "other.yaml"), "-store", "etcd"}, &out))
}
