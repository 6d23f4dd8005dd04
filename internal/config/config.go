package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Device   DeviceConfig `yaml:"device"`
	Pool     PoolConfig   `yaml:"pool"`
	USB      USBConfig    `yaml:"usb"`
	BLE      BLEConfig    `yaml:"ble"`
	Worker   WorkerConfig `yaml:"worker"`
}

// DeviceConfig describes the device answering raw and devicectl requests.
type DeviceConfig struct {
	ID            string `yaml:"id"` // hex
	SystemVersion string `yaml:"system_version"`
}

// PoolConfig sizes the request arena and the buffer pool.
type PoolConfig struct {
	RequestSlots int `yaml:"request_slots"`
	SlabCount    int `yaml:"slab_count"`
	SlabSize     int `yaml:"slab_size"`
	HeapLimit    int `yaml:"heap_limit"` // bytes
}

// USBConfig holds service protocol settings.
type USBConfig struct {
	MaxActiveRequests int           `yaml:"max_active_requests"`
	MinTransferSize   int           `yaml:"min_transfer_size"`
	VendorID          uint16        `yaml:"vendor_id"`
	ProductID         uint16        `yaml:"product_id"`
	PollInterval      time.Duration `yaml:"poll_interval"` // host CHECK interval
}

// BLEConfig holds encrypted BLE channel settings.
type BLEConfig struct {
	Enabled           bool   `yaml:"enabled"`
	DeviceName        string `yaml:"device_name"`
	Address           string `yaml:"address"` // host side: device to connect to
	ProtocolVersion   uint8  `yaml:"protocol_version"`
	Secret            string `yaml:"secret"`       // hex AES key
	NoncePrefix       string `yaml:"nonce_prefix"` // hex, 6 bytes
	KeyMode           string `yaml:"key_mode"`     // "shared" or "derived"
	MTU               int    `yaml:"mtu"`
	RxBufferSize      int    `yaml:"rx_buffer_size"`
	MaxMessageSize    int    `yaml:"max_message_size"`
	MaxActiveRequests int    `yaml:"max_active_requests"`
	ReconnectMax      int    `yaml:"reconnect_max"` // seconds
}

// WorkerConfig tunes the worker loop.
type WorkerConfig struct {
	Tick            time.Duration `yaml:"tick"`
	MaxTasksPerStep int           `yaml:"max_tasks_per_step"`
}

// minTransferFloor is the largest service reply; every IN data stage must
// be able to carry one.
const minTransferFloor = 16

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ctrlchan")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Device: DeviceConfig{
			ID:            "0123456789abcdef01234567",
			SystemVersion: "1.0.0",
		},
		Pool: PoolConfig{
			RequestSlots: 8,
			SlabCount:    8,
			SlabSize:     128,
			HeapLimit:    64 * 1024,
		},
		USB: USBConfig{
			MaxActiveRequests: 4,
			MinTransferSize:   64,
			VendorID:          0x1d50,
			ProductID:         0x6018,
			PollInterval:      10 * time.Millisecond,
		},
		BLE: BLEConfig{
			DeviceName:        "ctrlchan",
			ProtocolVersion:   1,
			NoncePrefix:       "6374726c6368",
			KeyMode:           "shared",
			MTU:               23,
			RxBufferSize:      1024,
			MaxMessageSize:    4096,
			MaxActiveRequests: 4,
			ReconnectMax:      30,
		},
		Worker: WorkerConfig{
			Tick:            5 * time.Millisecond,
			MaxTasksPerStep: 16,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A secret of the form "@path" names a file holding the hex
// key; a tilde (~) in that path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if strings.HasPrefix(cfg.BLE.Secret, "@") {
		keyPath := expandTilde(strings.TrimPrefix(cfg.BLE.Secret, "@"))
		key, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading ble.secret file: %w", err)
		}
		cfg.BLE.Secret = strings.TrimSpace(string(key))
	}

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a config was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	header := "# ctrlchan configuration\n# ble.secret must be set (hex AES key) before enabling BLE.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Device.ID == "" {
		return fmt.Errorf("device.id must not be empty")
	}
	if _, err := hex.DecodeString(c.Device.ID); err != nil {
		return fmt.Errorf("device.id must be hex: %w", err)
	}

	if c.Pool.RequestSlots <= 0 {
		return fmt.Errorf("pool.request_slots must be > 0")
	}
	if c.Pool.SlabCount < 0 {
		return fmt.Errorf("pool.slab_count must be >= 0")
	}
	if c.Pool.SlabSize <= 0 {
		return fmt.Errorf("pool.slab_size must be > 0")
	}
	if c.Pool.HeapLimit < 0 {
		return fmt.Errorf("pool.heap_limit must be >= 0")
	}

	if c.USB.MaxActiveRequests <= 0 {
		return fmt.Errorf("usb.max_active_requests must be > 0")
	}
	if c.USB.MaxActiveRequests > c.Pool.RequestSlots {
		return fmt.Errorf("usb.max_active_requests (%d) must not exceed pool.request_slots (%d)", c.USB.MaxActiveRequests, c.Pool.RequestSlots)
	}
	if c.USB.MinTransferSize < minTransferFloor {
		return fmt.Errorf("usb.min_transfer_size must be >= %d", minTransferFloor)
	}
	if c.USB.PollInterval <= 0 {
		return fmt.Errorf("usb.poll_interval must be > 0")
	}

	if c.BLE.Enabled {
		if err := c.BLE.validate(); err != nil {
			return err
		}
	}

	if c.Worker.Tick <= 0 {
		return fmt.Errorf("worker.tick must be > 0")
	}
	if c.Worker.MaxTasksPerStep <= 0 {
		return fmt.Errorf("worker.max_tasks_per_step must be > 0")
	}

	return nil
}

func (b *BLEConfig) validate() error {
	secret, err := b.SecretBytes()
	if err != nil {
		return err
	}
	switch len(secret) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("ble.secret must be 16, 24 or 32 bytes, got %d", len(secret))
	}
	prefix, err := b.NoncePrefixBytes()
	if err != nil {
		return err
	}
	if len(prefix) != 6 {
		return fmt.Errorf("ble.nonce_prefix must be 6 bytes, got %d", len(prefix))
	}
	switch b.KeyMode {
	case "shared", "derived":
	default:
		return fmt.Errorf("ble.key_mode must be \"shared\" or \"derived\", got %q", b.KeyMode)
	}
	if b.MTU < 23 {
		return fmt.Errorf("ble.mtu must be >= 23")
	}
	if b.RxBufferSize <= 0 {
		return fmt.Errorf("ble.rx_buffer_size must be > 0")
	}
	if b.MaxMessageSize <= 0 || b.MaxMessageSize > 0xffff {
		return fmt.Errorf("ble.max_message_size must be in 1..65535")
	}
	if b.MaxActiveRequests <= 0 {
		return fmt.Errorf("ble.max_active_requests must be > 0")
	}
	return nil
}

// IDBytes decodes the device id.
func (d *DeviceConfig) IDBytes() ([]byte, error) {
	id, err := hex.DecodeString(d.ID)
	if err != nil {
		return nil, fmt.Errorf("device.id must be hex: %w", err)
	}
	return id, nil
}

// SecretBytes decodes the BLE secret.
func (b *BLEConfig) SecretBytes() ([]byte, error) {
	if b.Secret == "" {
		return nil, fmt.Errorf("ble.secret must be set")
	}
	key, err := hex.DecodeString(b.Secret)
	if err != nil {
		return nil, fmt.Errorf("ble.secret must be hex: %w", err)
	}
	return key, nil
}

// NoncePrefixBytes decodes the BLE nonce prefix.
func (b *BLEConfig) NoncePrefixBytes() ([]byte, error) {
	p, err := hex.DecodeString(b.NoncePrefix)
	if err != nil {
		return nil, fmt.Errorf("ble.nonce_prefix must be hex: %w", err)
	}
	return p, nil
}

// DerivedKeys reports whether per-direction keys are derived.
func (b *BLEConfig) DerivedKeys() bool {
	return b.KeyMode == "derived"
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
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
