// Package ble provides the host side of the encrypted BLE control channel:
// a central that connects to a device, sends requests and matches the
// replies. The adapter interfaces keep the radio replaceable in tests.
package ble

import (
	"context"

	"github.com/chaz8081/ctrlchan/internal/ble/protocol"
)

// Control service UUIDs.
const (
	ServiceUUID     = protocol.ServiceUUID
	VersionCharUUID = protocol.VersionCharUUID
	TXCharUUID      = protocol.TXCharUUID
	RXCharUUID      = protocol.RXCharUUID
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Read returns the characteristic value.
	Read() ([]byte, error)
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// MTU returns the negotiated ATT MTU, or 0 if unknown.
	MTU() int
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
