package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("PDROP_DATA_DIR", dataDir)

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfgPath != ConfigPath(dataDir) {
		t.Fatalf("config written to %q", cfgPath)
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("config file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "keys")); err != nil {
		t.Fatalf("keys directory missing: %v", err)
	}

	if cfg.DeviceID == "" {
		t.Fatalf("default config has no device ID")
	}
	if cfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("listening port %d, want %d", cfg.ListeningPort, DefaultListeningPort)
	}
	if !cfg.DedupeWindow {
		t.Fatalf("dedupe window disabled by default")
	}
	if !cfg.EnableMDNS || cfg.EnableBLE {
		t.Fatalf("unexpected transport defaults: mdns=%v ble=%v", cfg.EnableMDNS, cfg.EnableBLE)
	}
}

func TestLoadOrCreateIsStableAcrossRuns(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("PDROP_DATA_DIR", dataDir)

	first, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	second, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if first.DeviceID != second.DeviceID {
		t.Fatalf("device ID changed between runs: %q then %q", first.DeviceID, second.DeviceID)
	}
}

func TestLoadOrCreateFillsMissingFields(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("PDROP_DATA_DIR", dataDir)

	// Simulate a hand-edited config missing most fields.
	if err := os.WriteFile(ConfigPath(dataDir), []byte(`{"device_name":"Edited"}`), 0o600); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceName != "Edited" {
		t.Fatalf("edited name lost: %q", cfg.DeviceName)
	}
	if cfg.DeviceID == "" {
		t.Fatalf("device ID not backfilled")
	}
	if cfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("listening port not backfilled: %d", cfg.ListeningPort)
	}
	if cfg.Ed25519PrivateKeyPath == "" || cfg.Ed25519PublicKeyPath == "" {
		t.Fatalf("key paths not backfilled")
	}

	// The repaired config is persisted.
	reloaded, err := Load(ConfigPath(dataDir))
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.DeviceID != cfg.DeviceID {
		t.Fatalf("backfilled device ID not persisted")
	}
}

func TestEnvOverridesAreNotPersisted(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("PDROP_DATA_DIR", dataDir)

	if _, _, err := LoadOrCreate(); err != nil {
		t.Fatalf("initial LoadOrCreate failed: %v", err)
	}

	t.Setenv("PDROP_DEVICE_NAME", "Override Name")
	t.Setenv("PDROP_SCAN_TTL_SECONDS", "45")

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate with overrides failed: %v", err)
	}
	if cfg.DeviceName != "Override Name" {
		t.Fatalf("device name override not applied: %q", cfg.DeviceName)
	}
	if cfg.ScanTTLSeconds != 45 {
		t.Fatalf("scan TTL override not applied: %d", cfg.ScanTTLSeconds)
	}

	onDisk, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if onDisk.DeviceName == "Override Name" {
		t.Fatalf("env override leaked into the persisted config")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	want := &DeviceConfig{
		DeviceID:              "device-1",
		DeviceName:            "Alice Laptop",
		ListeningPort:         4242,
		ScanTTLSeconds:        90,
		BackendStartTimeoutMS: 2500,
		BackendStopTimeoutMS:  1500,
		DedupeWindow:          true,
		EnableMDNS:            true,
		EnableBLE:             true,
	}

	if err := Save(path, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *got != *want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestResolveDataDirHonorsOverride(t *testing.T) {
	t.Setenv("PDROP_DATA_DIR", "/tmp/pdrop-test-data")

	dir, err := ResolveDataDir()
	if err != nil {
		t.Fatalf("ResolveDataDir failed: %v", err)
	}
	if dir != "/tmp/pdrop-test-data" {
		t.Fatalf("override ignored: %q", dir)
	}
}
