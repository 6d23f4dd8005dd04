// Package usbhost is the host side of the USB service protocol. It drives
// INIT, SEND, CHECK, RECV and RESET over any control-transfer capable
// device, either a real one opened with gousb or an in-process loopback.
package usbhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/ctrlchan/internal/control"
	"github.com/chaz8081/ctrlchan/internal/usbchan"
)

// Transferer performs control transfers on the default pipe. It matches
// (*gousb.Device).Control and (*usbchan.Loopback).Control.
type Transferer interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

var (
	// ErrBusy is returned when the device has no free request slot.
	ErrBusy = errors.New("usbhost: device busy")
	// ErrNoMemory is returned when the device cannot buffer the request.
	ErrNoMemory = errors.New("usbhost: device out of memory")
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("usbhost: request not found")
	// ErrProtocol is returned for unexpected or malformed service replies.
	ErrProtocol = errors.New("usbhost: protocol error")
)

const (
	vendorIn  = usbchan.RequestDirectionIn | usbchan.RequestTypeVendor
	vendorOut = usbchan.RequestTypeVendor

	// rawReplySize bounds raw request replies.
	rawReplySize = 64
)

// Options configures a Client.
type Options struct {
	// MinTransferSize must match the device's internal data stage size
	// (default 64). Service replies are read with a stage of this length.
	MinTransferSize int
	// PollInterval is the delay between CHECK requests in Do (default 10ms).
	PollInterval time.Duration
}

// Client issues requests to one device.
type Client struct {
	dev  Transferer
	opts Options
}

// NewClient returns a client for dev.
func NewClient(dev Transferer, opts Options) *Client {
	if opts.MinTransferSize < usbchan.MaxReplySize {
		opts.MinTransferSize = 64
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return &Client{dev: dev, opts: opts}
}

// statusErr maps a service status to an error. OK and Pending are not
// errors.
func statusErr(st usbchan.Status) error {
	switch st {
	case usbchan.StatusOK, usbchan.StatusPending:
		return nil
	case usbchan.StatusBusy:
		return ErrBusy
	case usbchan.StatusNoMemory:
		return ErrNoMemory
	case usbchan.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: status %v", ErrProtocol, st)
	}
}

// service runs one service request and decodes its reply.
func (c *Client) service(request uint8, val, idx uint16) (usbchan.Reply, error) {
	buf := make([]byte, c.opts.MinTransferSize)
	n, err := c.dev.Control(vendorIn, request, val, idx, buf)
	if err != nil {
		return usbchan.Reply{}, err
	}
	rep, err := usbchan.ParseReply(buf[:n])
	if err != nil {
		return usbchan.Reply{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if !rep.Has(usbchan.FieldStatus) {
		return usbchan.Reply{}, fmt.Errorf("%w: reply without status", ErrProtocol)
	}
	return rep, statusErr(rep.Status)
}

// Init starts a request of the given type carrying size bytes. The reply
// status is StatusPending while the device allocates the request buffer.
func (c *Client) Init(typ uint16, size int) (usbchan.Reply, error) {
	if size < 0 || size > 0xffff {
		return usbchan.Reply{}, fmt.Errorf("usbhost: init: invalid size %d", size)
	}
	rep, err := c.service(usbchan.ServiceInit, uint16(size), typ)
	if err != nil {
		return rep, fmt.Errorf("usbhost: init: %w", err)
	}
	if !rep.Has(usbchan.FieldID) || rep.ID == 0 {
		return rep, fmt.Errorf("usbhost: init: %w: reply without id", ErrProtocol)
	}
	return rep, nil
}

// Check polls the state of request id. A reply carrying a result means the
// request is done and Size bytes are ready to receive.
func (c *Client) Check(id uint16) (usbchan.Reply, error) {
	rep, err := c.service(usbchan.ServiceCheck, 0, id)
	if err != nil {
		return rep, fmt.Errorf("usbhost: check %d: %w", id, err)
	}
	return rep, nil
}

// Send transfers the payload of request id.
func (c *Client) Send(id uint16, data []byte) error {
	if _, err := c.dev.Control(vendorOut, usbchan.ServiceSend, 0, id, data); err != nil {
		return fmt.Errorf("usbhost: send %d: %w", id, err)
	}
	return nil
}

// Recv reads the size-byte reply payload of request id. The request is
// released on the device once the transfer completes.
func (c *Client) Recv(id uint16, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := c.dev.Control(vendorIn, usbchan.ServiceRecv, 0, id, buf)
	if err != nil {
		return nil, fmt.Errorf("usbhost: recv %d: %w", id, err)
	}
	if n != size {
		return nil, fmt.Errorf("usbhost: recv %d: %w: got %d of %d bytes", id, ErrProtocol, n, size)
	}
	return buf, nil
}

// Reset cancels request id, or every request if id is 0.
func (c *Client) Reset(id uint16) error {
	if _, err := c.service(usbchan.ServiceReset, 0, id); err != nil {
		return fmt.Errorf("usbhost: reset %d: %w", id, err)
	}
	return nil
}

// Do runs a full request: INIT, SEND when there is a payload, CHECK until
// the handler is done, then RECV of the reply payload. If ctx ends first
// the request is reset on the device.
func (c *Client) Do(ctx context.Context, typ uint16, data []byte) (control.Result, []byte, error) {
	rep, err := c.Init(typ, len(data))
	if err != nil {
		return 0, nil, err
	}
	id := rep.ID

	if len(data) > 0 {
		if rep.Status == usbchan.StatusPending {
			if _, err := c.poll(ctx, id, func(r usbchan.Reply) bool { return r.Status == usbchan.StatusOK }); err != nil {
				return 0, nil, err
			}
		}
		if err := c.Send(id, data); err != nil {
			c.discard(id, err)
			return 0, nil, err
		}
	}

	rep, err = c.poll(ctx, id, func(r usbchan.Reply) bool { return r.Has(usbchan.FieldResult) })
	if err != nil {
		return 0, nil, err
	}
	result := control.Result(rep.Result)
	if !rep.Has(usbchan.FieldSize) || rep.Size == 0 {
		return result, nil, nil
	}
	out, err := c.Recv(id, int(rep.Size))
	if err != nil {
		c.discard(id, err)
		return result, nil, err
	}
	return result, out, nil
}

// discard resets a request abandoned after a failed data stage so it does
// not hold one of the device's active slots.
func (c *Client) discard(id uint16, cause error) {
	if err := c.Reset(id); err != nil {
		slog.Debug("[USB] reset after failed transfer", "id", id, "cause", cause, "error", err)
	}
}

// poll repeats CHECK until done reports true.
func (c *Client) poll(ctx context.Context, id uint16, done func(usbchan.Reply) bool) (usbchan.Reply, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		rep, err := c.Check(id)
		if err != nil {
			return rep, err
		}
		if done(rep) {
			return rep, nil
		}
		select {
		case <-ctx.Done():
			if err := c.Reset(id); err != nil {
				slog.Debug("[USB] reset after cancel failed", "id", id, "error", err)
			}
			return rep, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DeviceID returns the hex device id from the raw request.
func (c *Client) DeviceID() (string, error) {
	return c.raw(usbchan.RawDeviceID)
}

// SystemVersion returns the firmware version from the raw request.
func (c *Client) SystemVersion() (string, error) {
	return c.raw(usbchan.RawSystemVersion)
}

func (c *Client) raw(sel uint16) (string, error) {
	buf := make([]byte, rawReplySize)
	n, err := c.dev.Control(vendorIn, usbchan.RawRequest, 0, sel, buf)
	if err != nil {
		return "", fmt.Errorf("usbhost: raw request %d: %w", sel, err)
	}
	return string(buf[:n]), nil
}
