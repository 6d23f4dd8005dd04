// Command test-loopback is a manual test for the USB service protocol. It
// runs a device channel and a host client in one process, connected through
// the loopback controller, and round-trips echo requests of growing size.
//
// Usage:
//
//	go run ./cmd/test-loopback [--count 8] [--max-size 4096] [--verbose]
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/chaz8081/ctrlchan/internal/config"
	"github.com/chaz8081/ctrlchan/internal/devicectl"
	"github.com/chaz8081/ctrlchan/internal/reqpool"
	"github.com/chaz8081/ctrlchan/internal/taskqueue"
	"github.com/chaz8081/ctrlchan/internal/usbchan"
	"github.com/chaz8081/ctrlchan/internal/usbhost"
	"github.com/chaz8081/ctrlchan/internal/worker"
)

func main() {
	count := flag.Int("count", 8, "number of echo requests")
	maxSize := flag.Int("max-size", 4096, "largest payload in bytes")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg := config.Default()
	id, _ := cfg.Device.IDBytes()

	queue := taskqueue.New()
	bufs := reqpool.NewBufferPool(reqpool.BufferConfig{
		SlabCount: cfg.Pool.SlabCount,
		SlabSize:  cfg.Pool.SlabSize,
	}, reqpool.NewLimitedHeap(cfg.Pool.HeapLimit))
	stats := &devicectl.Collector{Buffers: bufs, Queue: queue}
	ch := usbchan.New(devicectl.New(devicectl.Options{
		DeviceID:      id,
		SystemVersion: cfg.Device.SystemVersion,
		Diagnostics:   stats.Collect,
	}), queue, bufs, usbchan.Options{
		MaxActiveRequests: cfg.USB.MaxActiveRequests,
		RequestSlots:      cfg.Pool.RequestSlots,
		MinTransferSize:   cfg.USB.MinTransferSize,
		DeviceID:          id,
		SystemVersion:     cfg.Device.SystemVersion,
	})
	stats.Active = []func() int{ch.ActiveCount}

	ctx, cancel := context.WithCancel(context.Background())
	loop := &worker.Loop{Queue: queue, Tick: cfg.Worker.Tick, MaxTasksPerStep: cfg.Worker.MaxTasksPerStep}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		loop.Run(ctx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	client := usbhost.NewClient(usbchan.NewLoopback(ch), usbhost.Options{
		MinTransferSize: cfg.USB.MinTransferSize,
		PollInterval:    time.Millisecond,
	})

	devID, err := client.DeviceID()
	if err != nil {
		fmt.Printf("Error: device id: %v\n", err)
		return
	}
	ver, err := client.SystemVersion()
	if err != nil {
		fmt.Printf("Error: system version: %v\n", err)
		return
	}
	fmt.Printf("Device %s, version %s\n", devID, ver)

	failed := 0
	for i := range *count {
		size := 0
		if *count > 1 {
			size = *maxSize * i / (*count - 1)
		}
		payload := make([]byte, size)
		for j := range payload {
			payload[j] = byte(rand.IntN(256))
		}

		start := time.Now()
		result, reply, err := client.Do(ctx, devicectl.TypeAppCustom, payload)
		elapsed := time.Since(start).Round(time.Microsecond)
		switch {
		case err != nil:
			fmt.Printf("  %5dB  ERROR: %v\n", size, err)
			failed++
		case !result.OK() || !bytes.Equal(reply, payload):
			fmt.Printf("  %5dB  MISMATCH: result %v, %d bytes back\n", size, result, len(reply))
			failed++
		default:
			fmt.Printf("  %5dB  ok (%s)\n", size, elapsed)
		}
	}

	_, diag, err := client.Do(ctx, devicectl.TypeDiagnosticInfo, nil)
	if err != nil {
		fmt.Printf("Error: diagnostics: %v\n", err)
		return
	}
	for _, d := range devicectl.DecodeDiagnostics(diag) {
		fmt.Printf("  diag %d = %d\n", d.ID, d.Value)
	}

	if failed > 0 {
		fmt.Printf("\n%d of %d requests failed\n", failed, *count)
		return
	}
	fmt.Println("\nDone!")
}
