package blechan

import (
	"errors"

	"github.com/chaz8081/ctrlchan/internal/ble/protocol"
)

// ErrPeripheralUnsupported is returned where the platform has no GATT
// server support.
var ErrPeripheralUnsupported = errors.New("blechan: BLE peripheral role not supported on this platform")

// PeripheralOptions configures the GATT server.
type PeripheralOptions struct {
	// DeviceName is advertised as the local name.
	DeviceName string
	// ProtocolVersion is exposed by the version characteristic.
	ProtocolVersion uint8
	// MTU is assumed for every connection when the stack does not report
	// the negotiated value.
	MTU int
}

func (o *PeripheralOptions) applyDefaults() {
	if o.DeviceName == "" {
		o.DeviceName = "ctrlchan"
	}
	if o.ProtocolVersion == 0 {
		o.ProtocolVersion = protocol.Version
	}
	if o.MTU <= 0 {
		o.MTU = protocol.DefaultMTU
	}
}
