package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "pdrop"
	// DefaultListeningPort is the TCP port advertised when no user
	// override exists.
	DefaultListeningPort = 9777
	// envPrefix namespaces the environment override variables
	// (PDROP_DATA_DIR, PDROP_DEVICE_NAME, ...).
	envPrefix = "pdrop"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device and discovery settings.
type DeviceConfig struct {
	DeviceID              string `json:"device_id" envconfig:"DEVICE_ID"`
	DeviceName            string `json:"device_name" envconfig:"DEVICE_NAME"`
	ListeningPort         int    `json:"listening_port" envconfig:"LISTENING_PORT"`
	Ed25519PrivateKeyPath string `json:"ed25519_private_key_path" ignored:"true"`
	Ed25519PublicKeyPath  string `json:"ed25519_public_key_path" ignored:"true"`

	// Discovery tuning, mirrored into discovery.Config at startup.
	ScanTTLSeconds        int  `json:"scan_ttl_seconds" envconfig:"SCAN_TTL_SECONDS"`
	BackendStartTimeoutMS int  `json:"backend_start_timeout_ms" envconfig:"BACKEND_START_TIMEOUT_MS"`
	BackendStopTimeoutMS  int  `json:"backend_stop_timeout_ms" envconfig:"BACKEND_STOP_TIMEOUT_MS"`
	DedupeWindow          bool `json:"dedupe_window" envconfig:"DEDUPE_WINDOW"`

	// Transport enablement.
	EnableMDNS bool `json:"enable_mdns" envconfig:"ENABLE_MDNS"`
	EnableBLE  bool `json:"enable_ble" envconfig:"ENABLE_BLE"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("PDROP_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, applies PDROP_*
// environment overrides, and returns the effective config plus its
// path. Overrides are per-process; they are not written back.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, "", fmt.Errorf("apply env overrides: %w", err)
	}
	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	keysDir := filepath.Join(dataDir, "keys")
	return &DeviceConfig{
		DeviceID:              uuid.NewString(),
		DeviceName:            defaultDeviceName(),
		ListeningPort:         DefaultListeningPort,
		Ed25519PrivateKeyPath: filepath.Join(keysDir, "ed25519_private.pem"),
		Ed25519PublicKeyPath:  filepath.Join(keysDir, "ed25519_public.pem"),
		DedupeWindow:          true,
		EnableMDNS:            true,
		EnableBLE:             false,
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "pdrop device"
}

// normalizeDefaults fills gaps in configs written by older versions or
// edited by hand. Reports whether anything changed.
func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}
	if cfg.ListeningPort <= 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(keysDir, "ed25519_private.pem")
		updated = true
	}
	if cfg.Ed25519PublicKeyPath == "" {
		cfg.Ed25519PublicKeyPath = filepath.Join(keysDir, "ed25519_public.pem")
		updated = true
	}
	return updated
}
