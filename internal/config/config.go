// Package config manages gofpr daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/repvi/fpr/internal/fpr"
	"github.com/repvi/fpr/internal/radio"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gofpr configuration.
type Config struct {
	Log     LogConfig      `koanf:"log"`
	Metrics MetricsConfig  `koanf:"metrics"`
	API     APIConfig      `koanf:"api"`
	Radio   RadioConfig    `koanf:"radio"`
	Devices []DeviceConfig `koanf:"devices"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// APIConfig holds the introspection HTTP API configuration.
type APIConfig struct {
	// Addr is the HTTP listen address (e.g., ":8080"). Empty disables
	// the API server.
	Addr string `koanf:"addr"`
}

// RadioConfig holds the simulated radio medium parameters.
type RadioConfig struct {
	// Channel is the radio channel all simulated devices tune to.
	Channel int `koanf:"channel"`
}

// DeviceConfig describes one simulated device.
type DeviceConfig struct {
	// Name is the device display name (1-31 bytes).
	Name string `koanf:"name"`

	// MAC is the device hardware address; empty assigns one
	// automatically.
	MAC string `koanf:"mac"`

	// Mode is the device role: "client", "host", or "extender".
	Mode string `koanf:"mode"`

	// Visibility is "public" or "private".
	Visibility string `koanf:"visibility"`

	// PowerMode is "normal" or "low".
	PowerMode string `koanf:"power_mode"`

	// QueueMode is the default peer queue mode: "normal" or "latest_only".
	QueueMode string `koanf:"queue_mode"`

	// Host holds host-mode settings, meaningful when Mode is "host".
	Host HostConfig `koanf:"host"`

	// Client holds client-mode settings, meaningful when Mode is "client".
	Client ClientConfig `koanf:"client"`
}

// HostConfig holds host-mode connection policy.
type HostConfig struct {
	// MaxPeers caps concurrent clients. Zero means unlimited.
	MaxPeers int `koanf:"max_peers"`
	// ConnectionMode is "auto" or "manual".
	ConnectionMode string `koanf:"connection_mode"`
}

// ClientConfig holds client-mode connection policy.
type ClientConfig struct {
	// ConnectionMode is "auto" or "manual".
	ConnectionMode string `koanf:"connection_mode"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		API: APIConfig{
			Addr: ":8080",
		},
		Radio: RadioConfig{
			Channel: 1,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gofpr configuration.
// Variables are named GOFPR_<section>_<key>, e.g., GOFPR_METRICS_ADDR.
const envPrefix = "GOFPR_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (GOFPR_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// GOFPR_METRICS_ADDR -> metrics.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOFPR_METRICS_ADDR -> metrics.addr.
// Strips the GOFPR_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":     defaults.Log.Level,
		"log.format":    defaults.Log.Format,
		"metrics.addr":  defaults.Metrics.Addr,
		"metrics.path":  defaults.Metrics.Path,
		"api.addr":      defaults.API.Addr,
		"radio.channel": defaults.Radio.Channel,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidChannel indicates radio.channel is out of range.
	ErrInvalidChannel = errors.New("radio.channel must be between 1 and 14")

	// ErrEmptyDeviceName indicates a device entry without a name.
	ErrEmptyDeviceName = errors.New("device name must not be empty")

	// ErrDeviceNameTooLong indicates a device name over the wire limit.
	ErrDeviceNameTooLong = errors.New("device name too long")

	// ErrDuplicateDeviceName indicates two devices share a name.
	ErrDuplicateDeviceName = errors.New("duplicate device name")

	// ErrInvalidMode indicates an unrecognized device mode.
	ErrInvalidMode = errors.New("device mode must be client, host, or extender")

	// ErrInvalidVisibility indicates an unrecognized visibility value.
	ErrInvalidVisibility = errors.New("visibility must be public or private")

	// ErrInvalidPowerMode indicates an unrecognized power mode.
	ErrInvalidPowerMode = errors.New("power_mode must be normal or low")

	// ErrInvalidQueueMode indicates an unrecognized queue mode.
	ErrInvalidQueueMode = errors.New("queue_mode must be normal or latest_only")

	// ErrInvalidConnectionMode indicates an unrecognized connection mode.
	ErrInvalidConnectionMode = errors.New("connection_mode must be auto or manual")

	// ErrInvalidMaxPeers indicates a negative peer limit.
	ErrInvalidMaxPeers = errors.New("host.max_peers must be >= 0")

	// ErrInvalidMAC indicates an unparseable device hardware address.
	ErrInvalidMAC = errors.New("device mac is invalid")
)

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Radio.Channel < radio.MinChannel || cfg.Radio.Channel > radio.MaxChannel {
		return fmt.Errorf("radio.channel %d: %w", cfg.Radio.Channel, ErrInvalidChannel)
	}
	return validateDevices(cfg.Devices)
}

// validateDevices checks each device entry for correctness.
func validateDevices(devices []DeviceConfig) error {
	seen := make(map[string]struct{}, len(devices))

	for i, dc := range devices {
		if dc.Name == "" {
			return fmt.Errorf("devices[%d]: %w", i, ErrEmptyDeviceName)
		}
		if len(dc.Name) > fpr.NameSize-1 {
			return fmt.Errorf("devices[%d] name %q: %w", i, dc.Name, ErrDeviceNameTooLong)
		}
		if _, dup := seen[dc.Name]; dup {
			return fmt.Errorf("devices[%d] name %q: %w", i, dc.Name, ErrDuplicateDeviceName)
		}
		seen[dc.Name] = struct{}{}

		if _, err := dc.ParseMode(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if _, err := dc.ParseVisibility(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if _, err := dc.ParsePowerMode(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if _, err := dc.ParseQueueMode(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if _, err := parseConnectionMode(dc.Host.ConnectionMode); err != nil {
			return fmt.Errorf("devices[%d] host: %w", i, err)
		}
		if _, err := parseConnectionMode(dc.Client.ConnectionMode); err != nil {
			return fmt.Errorf("devices[%d] client: %w", i, err)
		}
		if dc.Host.MaxPeers < 0 {
			return fmt.Errorf("devices[%d]: %w", i, ErrInvalidMaxPeers)
		}
		if dc.MAC != "" {
			if _, err := radio.ParseMAC(dc.MAC); err != nil {
				return fmt.Errorf("devices[%d] mac %q: %w", i, dc.MAC, ErrInvalidMAC)
			}
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Enum Parsing
// -------------------------------------------------------------------------

// ParseMode maps the mode string to an fpr.Mode.
func (dc DeviceConfig) ParseMode() (fpr.Mode, error) {
	switch strings.ToLower(dc.Mode) {
	case "client":
		return fpr.ModeClient, nil
	case "host":
		return fpr.ModeHost, nil
	case "extender":
		return fpr.ModeExtender, nil
	default:
		return fpr.ModeDefault, fmt.Errorf("mode %q: %w", dc.Mode, ErrInvalidMode)
	}
}

// ParseVisibility maps the visibility string to an fpr.Visibility.
// Empty selects public.
func (dc DeviceConfig) ParseVisibility() (fpr.Visibility, error) {
	switch strings.ToLower(dc.Visibility) {
	case "", "public":
		return fpr.VisibilityPublic, nil
	case "private":
		return fpr.VisibilityPrivate, nil
	default:
		return fpr.VisibilityPublic, fmt.Errorf("visibility %q: %w", dc.Visibility, ErrInvalidVisibility)
	}
}

// ParsePowerMode maps the power mode string to an fpr.PowerMode.
// Empty selects normal.
func (dc DeviceConfig) ParsePowerMode() (fpr.PowerMode, error) {
	switch strings.ToLower(dc.PowerMode) {
	case "", "normal":
		return fpr.PowerNormal, nil
	case "low":
		return fpr.PowerLow, nil
	default:
		return fpr.PowerNormal, fmt.Errorf("power_mode %q: %w", dc.PowerMode, ErrInvalidPowerMode)
	}
}

// ParseQueueMode maps the queue mode string to an fpr.QueueMode.
// Empty selects normal.
func (dc DeviceConfig) ParseQueueMode() (fpr.QueueMode, error) {
	switch strings.ToLower(dc.QueueMode) {
	case "", "normal":
		return fpr.QueueNormal, nil
	case "latest_only":
		return fpr.QueueLatestOnly, nil
	default:
		return fpr.QueueNormal, fmt.Errorf("queue_mode %q: %w", dc.QueueMode, ErrInvalidQueueMode)
	}
}

// HostConnectionMode maps the host connection mode string.
func (dc DeviceConfig) HostConnectionMode() (fpr.ConnectionMode, error) {
	return parseConnectionMode(dc.Host.ConnectionMode)
}

// ClientConnectionMode maps the client connection mode string.
func (dc DeviceConfig) ClientConnectionMode() (fpr.ConnectionMode, error) {
	return parseConnectionMode(dc.Client.ConnectionMode)
}

// parseConnectionMode maps a connection mode string. Empty selects auto.
func parseConnectionMode(s string) (fpr.ConnectionMode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return fpr.ConnectionAuto, nil
	case "manual":
		return fpr.ConnectionManual, nil
	default:
		return fpr.ConnectionAuto, fmt.Errorf("connection_mode %q: %w", s, ErrInvalidConnectionMode)
	}
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
