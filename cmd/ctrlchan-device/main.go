// Command ctrlchan-device runs the device side of the control channel: the
// stock command set served over the encrypted BLE peripheral, driven by a
// single worker loop.
//
// Usage:
//
//	go run ./cmd/ctrlchan-device [--config path] [--write-config]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/ctrlchan/internal/blechan"
	"github.com/chaz8081/ctrlchan/internal/config"
	"github.com/chaz8081/ctrlchan/internal/devicectl"
	"github.com/chaz8081/ctrlchan/internal/reqpool"
	"github.com/chaz8081/ctrlchan/internal/taskqueue"
	"github.com/chaz8081/ctrlchan/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/ctrlchan/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
		} else {
			log.Printf("Wrote default config to %s", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	if !cfg.BLE.Enabled {
		log.Fatalf("config: ble.enabled is false, no transport to serve")
	}
	slog.SetLogLoggerLevel(config.ParseLogLevel(cfg.LogLevel))

	printBanner(cfg)

	deviceID, err := cfg.Device.IDBytes()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	secret, err := cfg.BLE.SecretBytes()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	prefix, err := cfg.BLE.NoncePrefixBytes()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := taskqueue.New()
	bufs := reqpool.NewBufferPool(reqpool.BufferConfig{
		SlabCount: cfg.Pool.SlabCount,
		SlabSize:  cfg.Pool.SlabSize,
	}, reqpool.NewLimitedHeap(cfg.Pool.HeapLimit))

	stats := &devicectl.Collector{Buffers: bufs, Queue: queue}
	handler := devicectl.New(devicectl.Options{
		DeviceID:      deviceID,
		SystemVersion: cfg.Device.SystemVersion,
		OnReset: func() {
			log.Println("Reset requested, shutting down...")
			cancel()
		},
		Diagnostics: stats.Collect,
	})

	ch, err := blechan.New(handler, queue, bufs, blechan.Options{
		Secret:            secret,
		NoncePrefix:       prefix,
		DeriveKeys:        cfg.BLE.DerivedKeys(),
		RxBufferSize:      cfg.BLE.RxBufferSize,
		MaxMessageSize:    cfg.BLE.MaxMessageSize,
		MaxActiveRequests: cfg.BLE.MaxActiveRequests,
	})
	if err != nil {
		log.Fatalf("Failed to create BLE channel: %v", err)
	}
	stats.Active = []func() int{ch.PendingRecords}

	periph := blechan.NewPeripheral(ch, blechan.PeripheralOptions{
		DeviceName:      cfg.BLE.DeviceName,
		ProtocolVersion: cfg.BLE.ProtocolVersion,
		MTU:             cfg.BLE.MTU,
	})
	if err := periph.Start(); err != nil {
		if errors.Is(err, blechan.ErrPeripheralUnsupported) {
			log.Fatalf("BLE peripheral: %v\n\nThe device daemon needs BlueZ (Linux).", err)
		}
		log.Fatalf("Failed to start BLE peripheral: %v", err)
	}
	log.Printf("Advertising as %q", cfg.BLE.DeviceName)

	loop := &worker.Loop{
		Queue:           queue,
		Steppers:        []worker.Stepper{ch},
		Tick:            cfg.Worker.Tick,
		MaxTasksPerStep: cfg.Worker.MaxTasksPerStep,
	}
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("Ready! Ctrl+C to quit.")
	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down...", sig)
		cancel()
	case <-ctx.Done():
	}
	<-done

	if err := periph.Stop(); err != nil {
		log.Printf("ERROR: stopping peripheral: %v", err)
	}
	st := bufs.Stats()
	slog.Debug("[worker] final pool state", "outstanding", st.Outstanding(), "allocs", st.Allocs, "frees", st.Frees)
	log.Println("Goodbye!")
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
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== ctrlchan-device ===")
	fmt.Printf("  Device:  %s (v%s)\n", cfg.Device.ID, cfg.Device.SystemVersion)
	fmt.Printf("  Pool:    %d slots, %dx%dB slabs, heap %dB\n", cfg.Pool.RequestSlots, cfg.Pool.SlabCount, cfg.Pool.SlabSize, cfg.Pool.HeapLimit)
	fmt.Printf("  BLE:     %s, keys %s, max message %dB\n", cfg.BLE.DeviceName, cfg.BLE.KeyMode, cfg.BLE.MaxMessageSize)
	fmt.Printf("  Worker:  tick %s\n", cfg.Worker.Tick)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("======================")
}
