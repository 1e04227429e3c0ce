package config

import (
	"encoding/json"
	"errors"
	"os"
	"time"
)

// Config holds server and peer configuration.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `json:"listen_addr"`

	// RedisAddr, RedisPassword and RedisDB select the redis server holding
	// room metadata and carrying cross-instance traffic.
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`

	// MaxBackoffMs caps the delay between reconnect attempts.
	MaxBackoffMs int `json:"max_backoff_ms"`

	// MaxRetries is the number of consecutive failed reconnects after which
	// a session gives up.
	MaxRetries int `json:"max_retries"`

	// HeartbeatMs is the presence re-broadcast interval.
	HeartbeatMs int `json:"heartbeat_ms"`

	// PresenceTimeoutMs drops peers that were silent this long.
	// 0 means three heartbeats.
	PresenceTimeoutMs int `json:"presence_timeout_ms,omitempty"`

	// OutboundQueue bounds the frames waiting to be written per connection.
	OutboundQueue int `json:"outbound_queue"`

	// SnapshotIntervalMs makes owner peers push their text to the room
	// service periodically. 0 saves only on exit.
	SnapshotIntervalMs int `json:"snapshot_interval_ms,omitempty"`

	// MaxPendingOps bounds remote operations waiting for their dependencies.
	MaxPendingOps int `json:"max_pending_ops"`
}

// Environment variables applied over the file.
const (
	EnvRedisAddr  = "REDIS_ADDR"
	EnvListenAddr = "CLOUDOCS_LISTEN_ADDR"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:    "0.0.0.0:8080",
		RedisAddr:     "localhost:6379",
		MaxBackoffMs:  5000,
		MaxRetries:    10,
		HeartbeatMs:   3000,
		OutboundQueue: 256,
		MaxPendingOps: 1024,
	}
}

// Load reads the config file at path over the defaults, then applies
// environment overrides. A missing file or empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := loadFileRaw(path)
		if err != nil {
			return nil, err
		}
		cfg = raw
	}
	return applyEnv(Merge(DefaultConfig(), cfg)), nil
}

// loadFileRaw returns a zero config when the file does not exist.
func loadFileRaw(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) *Config {
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	return cfg
}

// Merge combines base and overlay. Non-zero overlay values win.
func Merge(base, overlay *Config) *Config {
	result := *base

	if overlay.ListenAddr != "" {
		result.ListenAddr = overlay.ListenAddr
	}
	if overlay.RedisAddr != "" {
		result.RedisAddr = overlay.RedisAddr
	}
	if overlay.RedisPassword != "" {
		result.RedisPassword = overlay.RedisPassword
	}
	if overlay.RedisDB != 0 {
		result.RedisDB = overlay.RedisDB
	}
	if overlay.MaxBackoffMs != 0 {
		result.MaxBackoffMs = overlay.MaxBackoffMs
	}
	if overlay.MaxRetries != 0 {
		result.MaxRetries = overlay.MaxRetries
	}
	if overlay.HeartbeatMs != 0 {
		result.HeartbeatMs = overlay.HeartbeatMs
	}
	if overlay.PresenceTimeoutMs != 0 {
		result.PresenceTimeoutMs = overlay.PresenceTimeoutMs
	}
	if overlay.OutboundQueue != 0 {
		result.OutboundQueue = overlay.OutboundQueue
	}
	if overlay.SnapshotIntervalMs != 0 {
		result.SnapshotIntervalMs = overlay.SnapshotIntervalMs
	}
	if overlay.MaxPendingOps != 0 {
		result.MaxPendingOps = overlay.MaxPendingOps
	}
	return &result
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// MaxBackoff returns MaxBackoffMs as a duration.
func (c *Config) MaxBackoff() time.Duration { return ms(c.MaxBackoffMs) }

// Heartbeat returns HeartbeatMs as a duration.
func (c *Config) Heartbeat() time.Duration { return ms(c.HeartbeatMs) }

// PresenceTimeout returns the presence timeout, three heartbeats by default.
func (c *Config) PresenceTimeout() time.Duration {
	if c.PresenceTimeoutMs == 0 {
		return 3 * c.Heartbeat()
	}
	return ms(c.PresenceTimeoutMs)
}

// SnapshotInterval returns SnapshotIntervalMs as a duration.
func (c *Config) SnapshotInterval() time.Duration { return ms(c.SnapshotIntervalMs) }
