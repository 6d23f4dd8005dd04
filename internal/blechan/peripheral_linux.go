//go:build linux

package blechan

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/ctrlchan/internal/ble/protocol"
	"tinygo.org/x/bluetooth"
)

// Peripheral serves the control service over BlueZ and forwards link events
// to a Channel.
type Peripheral struct {
	adapter *bluetooth.Adapter
	ch      *Channel
	opts    PeripheralOptions
	tx      bluetooth.Characteristic
	adv     *bluetooth.Advertisement

	mu     sync.Mutex
	device *bluetooth.Device
}

// NewPeripheral creates a peripheral for ch and attaches itself as the
// channel's link.
func NewPeripheral(ch *Channel, opts PeripheralOptions) *Peripheral {
	opts.applyDefaults()
	p := &Peripheral{
		adapter: bluetooth.DefaultAdapter,
		ch:      ch,
		opts:    opts,
	}
	ch.SetLink(p)
	return p
}

// Start enables the adapter, registers the service and begins advertising.
func (p *Peripheral) Start() error {
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("blechan: enable adapter: %w", err)
	}
	p.adapter.SetConnectHandler(p.onConnect)

	svcUUID, err := bluetooth.ParseUUID(protocol.ServiceUUID)
	if err != nil {
		return fmt.Errorf("blechan: parse service UUID: %w", err)
	}
	verUUID, err := bluetooth.ParseUUID(protocol.VersionCharUUID)
	if err != nil {
		return fmt.Errorf("blechan: parse version UUID: %w", err)
	}
	txUUID, err := bluetooth.ParseUUID(protocol.TXCharUUID)
	if err != nil {
		return fmt.Errorf("blechan: parse TX UUID: %w", err)
	}
	rxUUID, err := bluetooth.ParseUUID(protocol.RXCharUUID)
	if err != nil {
		return fmt.Errorf("blechan: parse RX UUID: %w", err)
	}

	err = p.adapter.AddService(&bluetooth.Service{
		UUID: svcUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  verUUID,
				Value: []byte{p.opts.ProtocolVersion},
				Flags: bluetooth.CharacteristicReadPermission,
			},
			{
				Handle: &p.tx,
				UUID:   txUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission,
			},
			{
				UUID:  rxUUID,
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
					p.ch.OnWrite(value)
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("blechan: add service: %w", err)
	}

	p.adv = p.adapter.DefaultAdvertisement()
	if err := p.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    p.opts.DeviceName,
		ServiceUUIDs: []bluetooth.UUID{svcUUID},
	}); err != nil {
		return fmt.Errorf("blechan: configure advertisement: %w", err)
	}
	if err := p.adv.Start(); err != nil {
		return fmt.Errorf("blechan: start advertising: %w", err)
	}
	slog.Info("[BLE] advertising", "name", p.opts.DeviceName)
	return nil
}

// Stop stops advertising.
func (p *Peripheral) Stop() error {
	if p.adv == nil {
		return nil
	}
	return p.adv.Stop()
}

func (p *Peripheral) onConnect(device bluetooth.Device, connected bool) {
	if !connected {
		p.mu.Lock()
		p.device = nil
		p.mu.Unlock()
		slog.Info("[BLE] central disconnected", "address", device.Address.String())
		p.ch.OnDisconnect()
		return
	}
	p.mu.Lock()
	p.device = &device
	p.mu.Unlock()
	slog.Info("[BLE] central connected", "address", device.Address.String())
	p.ch.OnConnect()
	p.ch.OnMTU(p.opts.MTU)
	// BlueZ manages the CCCD itself and drops notifications nobody
	// subscribed to.
	p.ch.OnNotifyEnabled(true)
}

// Notify sends a packet on the TX characteristic. BlueZ queues the
// notification, so the link is writable again as soon as it returns.
func (p *Peripheral) Notify(packet []byte) error {
	if _, err := p.tx.Write(packet); err != nil {
		return err
	}
	p.ch.OnSendComplete()
	return nil
}

// Disconnect drops the connected central, if any.
func (p *Peripheral) Disconnect() error {
	p.mu.Lock()
	dev := p.device
	p.mu.Unlock()
	if dev == nil {
		return nil
	}
	return dev.Disconnect()
}

// Compile-time check that Peripheral implements Link.
var _ Link = (*Peripheral)(nil)
