// Command ctrlreq sends one control request to a device over USB or BLE
// and prints the result.
//
// Usage:
//
//	go run ./cmd/ctrlreq [--config path] [--transport usb|ble] --type 10 [--data text | --hex 0a0b]
//	go run ./cmd/ctrlreq --transport usb --raw id|version
//	go run ./cmd/ctrlreq --transport ble --scan
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/ctrlchan/internal/ble"
	"github.com/chaz8081/ctrlchan/internal/config"
	"github.com/chaz8081/ctrlchan/internal/control"
	"github.com/chaz8081/ctrlchan/internal/usbhost"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/ctrlchan/config.yaml)")
	transport := flag.String("transport", "usb", "transport: usb or ble")
	typ := flag.Uint("type", 10, "request type")
	text := flag.String("data", "", "request payload as text")
	hexData := flag.String("hex", "", "request payload as hex")
	raw := flag.String("raw", "", "usb raw request: id or version")
	address := flag.String("address", "", "ble device address (default: ble.address from config)")
	scan := flag.Bool("scan", false, "scan for ble devices and exit")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	slog.SetLogLoggerLevel(config.ParseLogLevel(cfg.LogLevel))

	if *typ > 0xffff {
		log.Fatalf("--type must fit in 16 bits, got %d", *typ)
	}
	payload := []byte(*text)
	if *hexData != "" {
		payload, err = hex.DecodeString(*hexData)
		if err != nil {
			log.Fatalf("--hex: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *transport {
	case "usb":
		err = runUSB(ctx, cfg, *raw, uint16(*typ), payload)
	case "ble":
		if *scan {
			err = runScan(ctx, *timeout)
			break
		}
		addr := *address
		if addr == "" {
			addr = cfg.BLE.Address
		}
		err = runBLE(ctx, cfg, addr, uint16(*typ), payload)
	default:
		log.Fatalf("--transport must be usb or ble, got %q", *transport)
	}
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
}

func runUSB(ctx context.Context, cfg *config.Config, raw string, typ uint16, payload []byte) error {
	dev, err := usbhost.OpenDevice(cfg.USB.VendorID, cfg.USB.ProductID)
	if err != nil {
		return err
	}
	defer dev.Close()

	client := usbhost.NewClient(dev, usbhost.Options{
		MinTransferSize: cfg.USB.MinTransferSize,
		PollInterval:    cfg.USB.PollInterval,
	})

	switch raw {
	case "":
	case "id":
		id, err := client.DeviceID()
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	case "version":
		ver, err := client.SystemVersion()
		if err != nil {
			return err
		}
		fmt.Println(ver)
		return nil
	default:
		return fmt.Errorf("--raw must be id or version, got %q", raw)
	}

	start := time.Now()
	result, reply, err := client.Do(ctx, typ, payload)
	if err != nil {
		return err
	}
	printReply(result, reply, time.Since(start))
	return nil
}

func runBLE(ctx context.Context, cfg *config.Config, address string, typ uint16, payload []byte) error {
	if address == "" {
		return fmt.Errorf("no ble address: pass --address or set ble.address")
	}
	secret, err := cfg.BLE.SecretBytes()
	if err != nil {
		return err
	}
	prefix, err := cfg.BLE.NoncePrefixBytes()
	if err != nil {
		return err
	}

	opts := ble.DefaultClientOptions()
	opts.Secret = secret
	opts.NoncePrefix = prefix
	opts.DeriveKeys = cfg.BLE.DerivedKeys()
	opts.MaxMessageSize = cfg.BLE.MaxMessageSize
	opts.ReconnectMax = cfg.BLE.ReconnectMax

	client, err := ble.NewClient(ble.NewCentralAdapter(), address, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return err
	}
	start := time.Now()
	reply, err := client.Do(ctx, typ, payload)
	if err != nil {
		return err
	}
	printReply(reply.Result, reply.Data, time.Since(start))
	return nil
}

func runScan(ctx context.Context, timeout time.Duration) error {
	devices, err := ble.ScanForDevices(ctx, ble.NewCentralAdapter(), timeout)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%s  %-20s  %d dBm\n", d.Address, d.Name, d.RSSI)
	}
	return nil
}

func printReply(result control.Result, reply []byte, elapsed time.Duration) {
	fmt.Printf("Result: %v (%s)\n", result, elapsed.Round(time.Millisecond))
	if len(reply) > 0 {
		fmt.Print(hex.Dump(reply))
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}
	return config.Default(), nil
}
