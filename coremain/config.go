package coremain

import (
	"fmt"
	"time"

	"github.com/pmkol/fwdcache/mlog"
	"github.com/pmkol/fwdcache/pkg/utils"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Cache    CacheConfig    `yaml:"cache"`
	API      APIConfig      `yaml:"api"`
}

type ServerConfig struct {
	Listen  string `yaml:"listen"`  // udp "host:port"
	Timeout uint   `yaml:"timeout"` // (sec) query timeout.
}

type UpstreamConfig struct {
	Addr    string `yaml:"addr"`    // udp "host:port"
	Timeout uint   `yaml:"timeout"` // (sec) forward timeout.
}

type CacheConfig struct {
	// Backend can be "memory" or "redis".
	Backend  string         `yaml:"backend"`
	Size     int            `yaml:"size"` // used by memory backend
	Redis    RedisConfig    `yaml:"redis"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

type RedisConfig struct {
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeout_ms"`
	KeyPrefix string `yaml:"key_prefix"`
}

type SnapshotConfig struct {
	// File is the snapshot path. Empty File disables persistence.
	File     string `yaml:"file"`
	Interval uint   `yaml:"interval"` // (sec) flush interval.
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

// DefaultConfig returns the config used for keys missing from the config file.
func DefaultConfig() *Config {
	return &Config{
		Log: mlog.LogConfig{Level: "info"},
		Server: ServerConfig{
			Listen:  "127.0.0.1:53",
			Timeout: 5,
		},
		Upstream: UpstreamConfig{
			Addr:    "8.8.8.8:53",
			Timeout: 5,
		},
		Cache: CacheConfig{
			Backend: BackendMemory,
			Size:    1024 * 1024,
			Redis: RedisConfig{
				URL:       "redis://localhost:6379/0",
				TimeoutMs: 50,
				KeyPrefix: "fwdcache:",
			},
			Snapshot: SnapshotConfig{
				File:     "dnscache.snapshot",
				Interval: 60,
			},
		},
	}
}

// Init fills zero values with defaults and validates c.
func (c *Config) Init() error {
	utils.SetDefaultString(&c.Server.Listen, "127.0.0.1:53")
	utils.SetDefaultNum(&c.Server.Timeout, 5)
	utils.SetDefaultString(&c.Upstream.Addr, "8.8.8.8:53")
	utils.SetDefaultNum(&c.Upstream.Timeout, 5)
	utils.SetDefaultString(&c.Cache.Backend, BackendMemory)
	utils.SetDefaultNum(&c.Cache.Size, 1024*1024)
	utils.SetDefaultNum(&c.Cache.Redis.TimeoutMs, 50)
	utils.SetDefaultNum(&c.Cache.Snapshot.Interval, 60)

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if len(c.Cache.Redis.URL) == 0 {
			return fmt.Errorf("redis backend requires cache.redis.url")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	return nil
}

func (c *ServerConfig) timeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c *UpstreamConfig) timeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c *SnapshotConfig) interval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}
