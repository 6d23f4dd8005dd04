package usbhost

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// ErrNoDevice is returned by OpenDevice when no device matches.
var ErrNoDevice = errors.New("usbhost: device not found")

// Device is a USB device opened through libusb.
type Device struct {
	ctx *gousb.Context
	dev *gousb.Device
}

var _ Transferer = (*Device)(nil)

// OpenDevice opens the first device with the given vendor and product id.
func OpenDevice(vid, pid uint16) (*Device, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usbhost: open %04x:%04x: %w", vid, pid, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: %04x:%04x", ErrNoDevice, vid, pid)
	}
	dev.ControlTimeout = time.Second
	return &Device{ctx: ctx, dev: dev}, nil
}

// Control performs a control transfer on the default pipe.
func (d *Device) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return d.dev.Control(rType, request, val, idx, data)
}

// Close releases the device and the libusb context.
func (d *Device) Close() error {
	if err := d.dev.Close(); err != nil {
		d.ctx.Close()
		return fmt.Errorf("usbhost: close device: %w", err)
	}
	return d.ctx.Close()
}
