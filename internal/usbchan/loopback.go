package usbchan

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStall is returned by Loopback when the channel stalls the control pipe.
var ErrStall = errors.New("usbchan: control pipe stalled")

// Loopback performs control transfers against a Channel in-process. It
// follows the device controller contract: data stages up to the minimum
// transfer size use an internal buffer, larger OUT stages are requested from
// the channel first, and every IN data stage is followed by TxCompleted.
//
// Loopback has the same Control signature as a gousb device, so host-side
// clients can run against it unchanged.
type Loopback struct {
	ch *Channel

	mu      sync.Mutex // serializes transfers like the default pipe
	scratch []byte
}

// NewLoopback returns a loopback bound to ch.
func NewLoopback(ch *Channel) *Loopback {
	return &Loopback{
		ch:      ch,
		scratch: make([]byte, ch.opts.MinTransferSize),
	}
}

// Control runs one control transfer and returns the number of data stage
// bytes transferred.
func (l *Loopback) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(data) > 0xffff {
		return 0, fmt.Errorf("usbchan: data stage too long: %d bytes", len(data))
	}
	s := SetupRequest{
		RequestType: rType,
		Request:     request,
		Value:       val,
		Index:       idx,
		Length:      uint16(len(data)),
	}
	small := len(data) <= len(l.scratch)

	if s.IsDeviceToHost() {
		if small {
			s.Data = l.scratch[:len(data)]
		}
		if !l.ch.HandleSetup(&s) {
			return 0, ErrStall
		}
		n := copy(data, s.Data)
		if n > 0 {
			l.ch.HandleState(TxCompleted)
		}
		return n, nil
	}

	if small {
		s.Data = l.scratch[:len(data)]
		copy(s.Data, data)
		if !l.ch.HandleSetup(&s) {
			return 0, ErrStall
		}
		return len(data), nil
	}

	// Large OUT stage: the channel supplies the receive buffer.
	if !l.ch.HandleSetup(&s) || len(s.Data) < len(data) {
		return 0, ErrStall
	}
	copy(s.Data, data)
	if !l.ch.HandleSetup(&s) {
		return 0, ErrStall
	}
	return len(data), nil
}

// Reset simulates a USB bus reset.
func (l *Loopback) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ch.HandleState(BusReset)
}
