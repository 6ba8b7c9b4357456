package main

// config.go holds the daemon configuration: defaults, the optional YAML
// file, and the flag overrides applied on top.

import (
	"os"
	"strings"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of coordd.
type Config struct {
	BindHost   string `yaml:"bind_host"`
	BindPort   uint16 `yaml:"bind_port"`
	PersistDir string `yaml:"persist_dir"`

	ClientAPIKeys string `yaml:"client_api_keys"`
	MinerAPIKeys  string `yaml:"miner_api_keys"`
	AdminAPIKeys  string `yaml:"admin_api_keys"`

	ReceiptSigningKey     string `yaml:"receipt_signing_key"`
	ReceiptAttestationKey string `yaml:"receipt_attestation_key"`
	ReceiptHash           string `yaml:"receipt_hash"`

	TTLMinSeconds           uint64 `yaml:"ttl_min_seconds"`
	TTLMaxSeconds           uint64 `yaml:"ttl_max_seconds"`
	HeartbeatTimeoutSeconds uint64 `yaml:"heartbeat_timeout_seconds"`
	ReaperPeriodSeconds     uint64 `yaml:"reaper_period_seconds"`
	PollCapSeconds          uint64 `yaml:"poll_cap_seconds"`
	MaxAttempts             uint64 `yaml:"max_attempts"`
	ExpiryPeriodMS          uint64 `yaml:"expiry_period_ms"`

	RateLimitWindowSeconds uint64 `yaml:"rate_limit_window_seconds"`
	RateLimitMaxRequests   int    `yaml:"rate_limit_max_requests"`
	StatsWindowSeconds     uint64 `yaml:"stats_window_seconds"`
}

// DefaultConfig returns the configuration coordd runs with when nothing
// else is supplied.
func DefaultConfig() Config {
	return Config{
		BindHost:   "localhost",
		BindPort:   9680,
		PersistDir: "coordd-data",

		ReceiptHash: "blake2b",

		TTLMinSeconds:           60,
		TTLMaxSeconds:           3600,
		HeartbeatTimeoutSeconds: 30,
		ReaperPeriodSeconds:     5,
		PollCapSeconds:          30,
		MaxAttempts:             3,
		ExpiryPeriodMS:          500,

		RateLimitWindowSeconds: 60,
		RateLimitMaxRequests:   600,
		StatsWindowSeconds:     3600,
	}
}

// LoadConfig overlays a YAML file, when one is given, on the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.AddContext(err, "unable to read config file")
	}
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return Config{}, errors.AddContext(err, "unable to parse config file")
	}
	return config, nil
}

// splitKeys splits a comma-separated key list, dropping empty entries.
func splitKeys(raw string) []string {
	var keys []string
	for _, key := range strings.Split(raw, ",") {
		key = strings.TrimSpace(key)
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// seconds converts a whole-second option to a duration.
func seconds(n uint64) time.Duration {
	return time.Duration(n) * time.Second
}

// millis converts a millisecond option to a duration.
func millis(n uint64) time.Duration {
	return time.Duration(n) * time.Millisecond
}
