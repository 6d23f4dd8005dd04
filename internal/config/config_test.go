package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const testSecret = "000102030405060708090a0b0c0d0e0f"

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Pool.RequestSlots != 8 {
		t.Errorf("Pool.RequestSlots = %d, want 8", cfg.Pool.RequestSlots)
	}
	if cfg.USB.MaxActiveRequests != 4 {
		t.Errorf("USB.MaxActiveRequests = %d, want 4", cfg.USB.MaxActiveRequests)
	}
	if cfg.USB.MinTransferSize != 64 {
		t.Errorf("USB.MinTransferSize = %d, want 64", cfg.USB.MinTransferSize)
	}
	if cfg.BLE.Enabled {
		t.Error("BLE.Enabled should default to false")
	}
	if cfg.BLE.KeyMode != "shared" {
		t.Errorf("BLE.KeyMode = %q, want %q", cfg.BLE.KeyMode, "shared")
	}
	if cfg.BLE.MaxMessageSize != 4096 {
		t.Errorf("BLE.MaxMessageSize = %d, want 4096", cfg.BLE.MaxMessageSize)
	}
	if cfg.Worker.Tick != 5*time.Millisecond {
		t.Errorf("Worker.Tick = %v, want 5ms", cfg.Worker.Tick)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
device:
  id: "deadbeef"
  system_version: "2.1.0"
pool:
  request_slots: 16
  slab_count: 4
  slab_size: 256
  heap_limit: 8192
usb:
  max_active_requests: 2
  min_transfer_size: 32
  vendor_id: 0x2b04
  product_id: 0xc006
  poll_interval: 20ms
ble:
  enabled: true
  device_name: bench
  secret: "000102030405060708090a0b0c0d0e0f"
  key_mode: derived
  max_message_size: 1024
worker:
  tick: 1ms
  max_tasks_per_step: 4
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Device.SystemVersion != "2.1.0" {
		t.Errorf("Device.SystemVersion = %q, want %q", cfg.Device.SystemVersion, "2.1.0")
	}
	id, err := cfg.Device.IDBytes()
	if err != nil || !bytes.Equal(id, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("Device.IDBytes() = %x, %v", id, err)
	}
	if cfg.Pool.RequestSlots != 16 || cfg.Pool.SlabSize != 256 || cfg.Pool.HeapLimit != 8192 {
		t.Errorf("Pool = %+v", cfg.Pool)
	}
	if cfg.USB.VendorID != 0x2b04 || cfg.USB.ProductID != 0xc006 {
		t.Errorf("USB ids = %04x:%04x, want 2b04:c006", cfg.USB.VendorID, cfg.USB.ProductID)
	}
	if cfg.USB.PollInterval != 20*time.Millisecond {
		t.Errorf("USB.PollInterval = %v, want 20ms", cfg.USB.PollInterval)
	}
	if !cfg.BLE.Enabled || cfg.BLE.DeviceName != "bench" {
		t.Errorf("BLE = %+v", cfg.BLE)
	}
	if !cfg.BLE.DerivedKeys() {
		t.Error("BLE.DerivedKeys() = false, want true")
	}
	if cfg.Worker.Tick != time.Millisecond || cfg.Worker.MaxTasksPerStep != 4 {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadKeepsDefaultsForMissingSections(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := Default()
	if cfg.Pool != def.Pool {
		t.Errorf("Pool = %+v, want %+v", cfg.Pool, def.Pool)
	}
	if cfg.BLE != def.BLE {
		t.Errorf("BLE = %+v, want %+v", cfg.BLE, def.BLE)
	}
}

func TestLoadSecretFromFileExpandsTilde(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	if err := os.WriteFile(filepath.Join(tmpHome, "ble.key"), []byte(testSecret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("ble:\n  secret: \"@~/ble.key\"\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BLE.Secret != testSecret {
		t.Errorf("BLE.Secret = %q, want %q", cfg.BLE.Secret, testSecret)
	}
}

func TestLoadSecretFileMissing(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("ble:\n  secret: \"@/nonexistent/ble.key\"\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() expected error for missing secret file")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("pool: [unclosed\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	withBLE := func(f func(*BLEConfig)) func(*Config) {
		return func(c *Config) {
			c.BLE.Enabled = true
			c.BLE.Secret = testSecret
			f(&c.BLE)
		}
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "empty device id",
			modify:  func(c *Config) { c.Device.ID = "" },
			wantErr: true,
		},
		{
			name:    "non-hex device id",
			modify:  func(c *Config) { c.Device.ID = "xyz" },
			wantErr: true,
		},
		{
			name:    "zero request slots",
			modify:  func(c *Config) { c.Pool.RequestSlots = 0 },
			wantErr: true,
		},
		{
			name:    "zero slabs allowed",
			modify:  func(c *Config) { c.Pool.SlabCount = 0 },
			wantErr: false,
		},
		{
			name:    "zero slab size",
			modify:  func(c *Config) { c.Pool.SlabSize = 0 },
			wantErr: true,
		},
		{
			name:    "negative heap limit",
			modify:  func(c *Config) { c.Pool.HeapLimit = -1 },
			wantErr: true,
		},
		{
			name:    "zero active requests",
			modify:  func(c *Config) { c.USB.MaxActiveRequests = 0 },
			wantErr: true,
		},
		{
			name:    "active requests exceed slots",
			modify:  func(c *Config) { c.USB.MaxActiveRequests = c.Pool.RequestSlots + 1 },
			wantErr: true,
		},
		{
			name:    "transfer size below reply size",
			modify:  func(c *Config) { c.USB.MinTransferSize = 8 },
			wantErr: true,
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.USB.PollInterval = 0 },
			wantErr: true,
		},
		{
			name:    "disabled ble ignores missing secret",
			modify:  func(c *Config) { c.BLE.Secret = "" },
			wantErr: false,
		},
		{
			name:    "enabled ble valid",
			modify:  withBLE(func(b *BLEConfig) {}),
			wantErr: false,
		},
		{
			name:    "enabled ble missing secret",
			modify:  withBLE(func(b *BLEConfig) { b.Secret = "" }),
			wantErr: true,
		},
		{
			name:    "ble secret too short",
			modify:  withBLE(func(b *BLEConfig) { b.Secret = "0011" }),
			wantErr: true,
		},
		{
			name:    "ble secret invalid hex",
			modify:  withBLE(func(b *BLEConfig) { b.Secret = strings.Repeat("zz", 16) }),
			wantErr: true,
		},
		{
			name:    "ble 256-bit secret",
			modify:  withBLE(func(b *BLEConfig) { b.Secret = testSecret + testSecret }),
			wantErr: false,
		},
		{
			name:    "ble short nonce prefix",
			modify:  withBLE(func(b *BLEConfig) { b.NoncePrefix = "0102" }),
			wantErr: true,
		},
		{
			name:    "ble unknown key mode",
			modify:  withBLE(func(b *BLEConfig) { b.KeyMode = "pairing" }),
			wantErr: true,
		},
		{
			name:    "ble mtu below minimum",
			modify:  withBLE(func(b *BLEConfig) { b.MTU = 20 }),
			wantErr: true,
		},
		{
			name:    "ble max message too large",
			modify:  withBLE(func(b *BLEConfig) { b.MaxMessageSize = 70000 }),
			wantErr: true,
		},
		{
			name:    "ble zero rx buffer",
			modify:  withBLE(func(b *BLEConfig) { b.RxBufferSize = 0 }),
			wantErr: true,
		},
		{
			name:    "zero worker tick",
			modify:  func(c *Config) { c.Worker.Tick = 0 },
			wantErr: true,
		},
		{
			name:    "zero tasks per step",
			modify:  func(c *Config) { c.Worker.MaxTasksPerStep = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "ctrlchan", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# ctrlchan") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.USB.PollInterval != 10*time.Millisecond {
		t.Errorf("written config USB.PollInterval = %v, want 10ms", cfg.USB.PollInterval)
	}
	if cfg.BLE.NoncePrefix != Default().BLE.NoncePrefix {
		t.Errorf("written config BLE.NoncePrefix = %q", cfg.BLE.NoncePrefix)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "ctrlchan")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
