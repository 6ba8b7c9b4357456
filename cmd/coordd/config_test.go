package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tensorgrid/tensorgrid/build"
)

// TestLoadConfigOverlay checks that a YAML file overrides only the options
// it names.
func TestLoadConfigOverlay(t *testing.T) {
	dir := build.TempDir("coordd", t.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "coordd.yml")
	raw := []byte("bind_port: 9999\nexpiry_period_ms: 250\nttl_max_seconds: 7200\n")
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if config.BindPort != 9999 {
		t.Error("bind_port not overlaid, got", config.BindPort)
	}
	if millis(config.ExpiryPeriodMS) != 250*time.Millisecond {
		t.Error("expiry_period_ms not overlaid, got", config.ExpiryPeriodMS)
	}
	if config.TTLMaxSeconds != 7200 {
		t.Error("ttl_max_seconds not overlaid, got", config.TTLMaxSeconds)
	}

	// Untouched options keep their defaults.
	defaults := DefaultConfig()
	if config.TTLMinSeconds != defaults.TTLMinSeconds {
		t.Error("ttl_min_seconds should keep its default, got", config.TTLMinSeconds)
	}
	if config.BindHost != defaults.BindHost {
		t.Error("bind_host should keep its default, got", config.BindHost)
	}
}

// TestLoadConfigMissingFile checks that a named but absent file is an error
// while an empty path is not.
func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(""); err != nil {
		t.Fatal("no config file should load the defaults:", err)
	}
	if _, err := LoadConfig(filepath.Join(build.TempDir("coordd", t.Name()), "absent.yml")); err == nil {
		t.Fatal("a named but missing config file should be an error")
	}
}

// TestSplitKeys checks comma splitting and empty-entry handling.
func TestSplitKeys(t *testing.T) {
	keys := splitKeys(" a ,, b,c ")
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Error("wrong split:", keys)
	}
	if splitKeys("") != nil {
		t.Error("empty input should yield no keys")
	}
}
