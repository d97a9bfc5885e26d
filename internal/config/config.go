package config

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	BLE      BLEConfig    `yaml:"ble"`
	Store    StoreConfig  `yaml:"store"`
	Crypto   CryptoConfig `yaml:"crypto"`
	LogLevel string       `yaml:"log_level"`
	// LogFile, if set, receives logs instead of stderr and is rotated.
	LogFile string `yaml:"log_file,omitempty"`
}

// BLEConfig holds the peripheral profile and link timing.
type BLEConfig struct {
	ServiceUUID          string   `yaml:"service_uuid"`
	Characteristics      []string `yaml:"characteristics"`
	NotifyCharacteristic string   `yaml:"notify_characteristic"`

	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	Retries         int           `yaml:"retries"`

	InterFrameDelay time.Duration `yaml:"inter_frame_delay"`
	FrameSize       int           `yaml:"frame_size"`
	ReconnectMax    int           `yaml:"reconnect_max"` // seconds

	AutoConnect AutoConnectConfig `yaml:"auto_connect"`
}

// AutoConnectConfig selects a peripheral to connect to while scanning.
// Empty fields match anything; with both empty auto-connect is off.
type AutoConnectConfig struct {
	Name             string `yaml:"name"`
	ManufacturerData string `yaml:"manufacturer_data"` // hex prefix, company ID first (little endian)
}

// StoreConfig selects where the remembered peripheral is kept.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "file" or "sqlite"
	Path   string `yaml:"path"`
}

// CryptoConfig enables sealed requests when SharedSecret is set.
type CryptoConfig struct {
	SharedSecret string `yaml:"shared_secret"` // hex, at least 16 bytes
	Info         string `yaml:"info"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blelink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	storePath := filepath.Join(home, ".local", "share", "blelink", "state.yaml")

	return &Config{
		BLE: BLEConfig{
			ServiceUUID:     ble.DefaultServiceUUID,
			Characteristics: []string{ble.DefaultCharacteristicUUID},
			ScanTimeout:     10 * time.Second,
			ConnectTimeout:  10 * time.Second,
			DiscoverTimeout: 10 * time.Second,
			RequestTimeout:  ble.DefaultRequestTimeout,
			Retries:         2,
			InterFrameDelay: 10 * time.Millisecond,
			FrameSize:       protocol.DefaultFrameSize,
			ReconnectMax:    30,
		},
		Store: StoreConfig{
			Driver: "file",
			Path:   storePath,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store.path and log_file is expanded to the
// user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)
	cfg.LogFile = expandTilde(cfg.LogFile)

	return cfg, nil
}

const defaultConfigHeader = `# blelink configuration
# Durations use Go syntax: 500ms, 10s, 1m.
# store.driver is "file" (YAML) or "sqlite".
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultConfigHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.BLE.ServiceUUID == "" {
		return fmt.Errorf("ble.service_uuid must not be empty")
	}

	if len(c.BLE.Characteristics) == 0 {
		return fmt.Errorf("ble.characteristics must not be empty")
	}

	for name, d := range map[string]time.Duration{
		"ble.scan_timeout":     c.BLE.ScanTimeout,
		"ble.connect_timeout":  c.BLE.ConnectTimeout,
		"ble.discover_timeout": c.BLE.DiscoverTimeout,
		"ble.request_timeout":  c.BLE.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}

	if c.BLE.InterFrameDelay < 0 {
		return fmt.Errorf("ble.inter_frame_delay must not be negative")
	}

	if c.BLE.Retries < 0 {
		return fmt.Errorf("ble.retries must not be negative")
	}

	if c.BLE.FrameSize <= 0 {
		return fmt.Errorf("ble.frame_size must be > 0")
	}

	if c.BLE.AutoConnect.ManufacturerData != "" {
		if _, err := protocol.ParseHex(c.BLE.AutoConnect.ManufacturerData); err != nil {
			return fmt.Errorf("ble.auto_connect.manufacturer_data: %w", err)
		}
	}

	switch c.Store.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("store.driver must be \"file\" or \"sqlite\", got %q", c.Store.Driver)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	if c.Crypto.SharedSecret != "" {
		secret, err := protocol.ParseHex(c.Crypto.SharedSecret)
		if err != nil {
			return fmt.Errorf("crypto.shared_secret: %w", err)
		}
		if len(secret) < 16 {
			return fmt.Errorf("crypto.shared_secret must be at least 16 bytes, got %d", len(secret))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// BLEOptions builds the Manager options for this config. Call Validate first.
func (c *Config) BLEOptions() (ble.Options, error) {
	opts := ble.Options{
		ServiceUUID:          c.BLE.ServiceUUID,
		Characteristics:      c.BLE.Characteristics,
		NotifyCharacteristic: c.BLE.NotifyCharacteristic,
		ScanTimeout:          c.BLE.ScanTimeout,
		ConnectTimeout:       c.BLE.ConnectTimeout,
		DiscoverTimeout:      c.BLE.DiscoverTimeout,
		InterFrameDelay:      c.BLE.InterFrameDelay,
	}

	ac := c.BLE.AutoConnect
	if ac.Name == "" && ac.ManufacturerData == "" {
		return opts, nil
	}
	var prefix []byte
	if ac.ManufacturerData != "" {
		var err error
		prefix, err = protocol.ParseHex(ac.ManufacturerData)
		if err != nil {
			return ble.Options{}, fmt.Errorf("ble.auto_connect.manufacturer_data: %w", err)
		}
	}
	opts.AutoConnect = func(s ble.Sighting) bool {
		if ac.Name != "" && !strings.EqualFold(s.Peripheral.Name, ac.Name) {
			return false
		}
		if prefix == nil {
			return true
		}
		for _, md := range s.Advertisement.ManufacturerData {
			if bytes.HasPrefix(manufacturerBytes(md), prefix) {
				return true
			}
		}
		return false
	}
	return opts, nil
}

// manufacturerBytes renders an advertisement element as it appears on air:
// little-endian company ID followed by the data.
func manufacturerBytes(md ble.ManufacturerData) []byte {
	out := binary.LittleEndian.AppendUint16(make([]byte, 0, 2+len(md.Data)), md.CompanyID)
	return append(out, md.Data...)
}

// ParseLogLevel maps a config log level to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
