// Package config decodes and encodes the proxy's TOML configuration file
// (spec §6), using github.com/BurntSushi/toml exactly as the teacher's own
// go.mod already depends on it (promoted here from an indirect to a direct
// dependency).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration schema.
type Config struct {
	Listen   ListenConfig   `toml:"listen"`
	Upstream UpstreamConfig `toml:"upstream"`
	Cache    CacheConfig    `toml:"cache"`
	Webhook  WebhookConfig  `toml:"webhook"`
	LogLevel string         `toml:"log_level"`
}

type ListenConfig struct {
	Addr        string `toml:"addr"`
	EnableHTTP2 bool   `toml:"enable_http2"`
}

type UpstreamConfig struct {
	Endpoint            string `toml:"endpoint"`
	AddressStyle        string `toml:"address_style"` // "path" or "virtual-hosted"
	Region              string `toml:"region"`
	ConnectTimeoutMS    int    `toml:"connect_timeout_ms"`
	ReadTimeoutMS       int    `toml:"read_timeout_ms"`
	PerAttemptTimeoutMS int    `toml:"per_attempt_timeout_ms"`
	PerOperationTimeoutMS int  `toml:"per_operation_timeout_ms"`
	EnableHTTP2         bool   `toml:"enable_http2"`
	InsecureSkipVerify  bool   `toml:"insecure_skip_verify"`

	// CredentialsA validates inbound requests; empty disables validation.
	CredentialsA CredentialsConfig `toml:"credentials_a"`
	// CredentialsB signs outbound requests to the upstream; always required.
	CredentialsB CredentialsConfig `toml:"credentials_b"`
}

type CredentialsConfig struct {
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	SessionToken    string `toml:"session_token"`
}

type CacheConfig struct {
	CapacityBytes int64 `toml:"capacity_bytes"`
	SketchWidth   int64 `toml:"sketch_width"`
	TTLSeconds    int   `toml:"ttl_seconds"`
	TTISeconds    int   `toml:"tti_seconds"`
	SweepWorkers  int   `toml:"sweep_workers"`

	// Ops holds the per-operation overrides read from the
	// "[cache.ops.<Operation>]" sub-tables, keyed by OpTag.String()
	// (e.g. "GetObject", "ListObjectsV2"). This schema has no [[middlewares]]
	// array, so a "[middlewares.ops.<Operation>]" table is not read.
	Ops map[string]OpPolicyConfig `toml:"ops"`
}

// OpPolicyConfig overrides the global cache policy for a single operation.
// A nil *bool/*int leaves the corresponding global setting in force.
type OpPolicyConfig struct {
	Enabled    *bool `toml:"enabled"`
	TTLSeconds *int  `toml:"ttl_seconds"`
	TTISeconds *int  `toml:"tti_seconds"`
}

type WebhookConfig struct {
	Addr          string  `toml:"addr"`
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
}

// Default returns the configuration written by --generate-if-missing.
func Default() Config {
	return Config{
		Listen: ListenConfig{Addr: ":8443"},
		Upstream: UpstreamConfig{
			Endpoint:            "https://s3.amazonaws.com",
			AddressStyle:        "virtual-hosted",
			Region:              "us-east-1",
			ConnectTimeoutMS:    5000,
			ReadTimeoutMS:       30000,
			PerAttemptTimeoutMS: 30000,
			PerOperationTimeoutMS: 60000,
		},
		Cache: CacheConfig{
			CapacityBytes: 512 << 20,
			SketchWidth:   1 << 16,
			TTLSeconds:    300,
			TTISeconds:    60,
			SweepWorkers:  4,
		},
		Webhook: WebhookConfig{
			Addr:          ":9090",
			RatePerSecond: 50,
			Burst:         100,
		},
		LogLevel: "info",
	}
}

// Load decodes path into a Config.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Write encodes cfg to path, creating parent directories as needed.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config %s: %w", path, err)
	}
	defer f.Close()
	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config %s: %w", path, err)
	}
	return nil
}

// EnsureExists writes the default config to path if it does not already
// exist (--generate-if-missing), or unconditionally if force is true
// (--regenerate).
func EnsureExists(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	return Write(path, Default())
}
