package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	t.Setenv(EnvRedisAddr, "")
	t.Setenv(EnvListenAddr, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv(EnvRedisAddr, "")
	t.Setenv(EnvListenAddr, "")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"redis_addr": "redis:6379",
		"max_retries": 3,
		"heartbeat_ms": 1000,
		"snapshot_interval_ms": 30000
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.MaxBackoff())
	assert.Equal(t, time.Second, cfg.Heartbeat())
	assert.Equal(t, 3*time.Second, cfg.PresenceTimeout())
	assert.Equal(t, 30*time.Second, cfg.SnapshotInterval())
	assert.Equal(t, 1024, cfg.MaxPendingOps)
}

func TestEnvironmentWins(t *testing.T) {
	t.Setenv(EnvRedisAddr, "cache:6380")
	t.Setenv(EnvListenAddr, "127.0.0.1:9000")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"redis_addr": "redis:6379"}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", cfg.RedisAddr)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_retries": "many"}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestMergeKeepsBaseForZeroValues(t *testing.T) {
	base := DefaultConfig()
	merged := Merge(base, &Config{OutboundQueue: 16, PresenceTimeoutMs: 500})
	assert.Equal(t, 16, merged.OutboundQueue)
	assert.Equal(t, 500*time.Millisecond, merged.PresenceTimeout())
	assert.Equal(t, base.MaxBackoffMs, merged.MaxBackoffMs)
	assert.Equal(t, 256, base.OutboundQueue)
}
