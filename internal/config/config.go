// Package config loads the server's global settings (spec.md §6
// "Global (top-level)" keys, plus the ambient logging/admin/CLI
// settings this repo carries alongside the core) via viper, the
// teacher's configuration library. The per-store configuration tree
// (§6's "<name> key=value </name>" grammar) is a different, bespoke
// format and is loaded separately by internal/conftree.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the server's global settings, independent of any
// particular store's configuration.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Admin          AdminConfig          `mapstructure:"admin"`
	BucketResolver BucketResolverConfig `mapstructure:"bucket_resolver"`
}

// ServerConfig holds spec.md §6's Global (top-level) keys.
type ServerConfig struct {
	Port                   int     `mapstructure:"port"`
	StoreConfigFile        string  `mapstructure:"store_config_file"`
	MaxMsgPerSecond        int     `mapstructure:"max_msg_per_second"`
	MaxQueueSize           int     `mapstructure:"max_queue_size"`
	CheckInterval          int     `mapstructure:"check_interval"`
	MaxConn                int     `mapstructure:"max_conn"`
	MaxConcurrentRequest   int     `mapstructure:"max_concurrent_request"`
	NumThriftServerThreads int     `mapstructure:"num_thrift_server_threads"`
	NewThreadPerCategory   bool    `mapstructure:"new_thread_per_category"`
	TimestampSampleRate    float64 `mapstructure:"timestamp_sample_rate"`
}

// LoggingConfig configures the server's own diagnostic logger (not the
// category-routed traffic the server exists to collect).
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
}

// AdminConfig configures the operational HTTP surface (status/health/
// metrics) layered alongside the core framed-RPC listener.
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// BucketResolverConfig optionally wires the dynamic bucket resolver of
// spec.md §4.11 as a Network store's DynamicLookup source. Left
// disabled by default since not every deployment needs dynamically
// configured network stores; a deployment that does sets RemoteAddr to
// the mapping authority's host:port.
type BucketResolverConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RemoteAddr    string `mapstructure:"remote_addr"`
	TTLSeconds    int    `mapstructure:"ttl_seconds"`
	DialTimeoutMs int    `mapstructure:"dial_timeout_ms"`
	CacheBytes    int    `mapstructure:"cache_bytes"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                 1463,
			StoreConfigFile:      "/usr/local/scribed/scribed.conf",
			MaxMsgPerSecond:      100000,
			MaxQueueSize:         5 << 20,
			CheckInterval:        5,
			NewThreadPerCategory: true,
			TimestampSampleRate:  0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			OutputPath: "stdout",
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    1464,
		},
		BucketResolver: BucketResolverConfig{
			Enabled:       false,
			TTLSeconds:    60,
			DialTimeoutMs: 2000,
			CacheBytes:    32 << 20,
		},
	}
}

// Load reads global settings from configFile (any format viper
// supports: yaml, toml, json, ini) layered over built-in defaults. An
// empty configFile yields the defaults untouched, matching the
// teacher's "config optional, fall back to defaults" behavior.
func Load(configFile string) (*Config, error) {
	cfg := defaults()
	if configFile == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", configFile, err)
	}
	return cfg, nil
}
