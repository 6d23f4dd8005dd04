// Package usbchan implements the USB control-request service protocol: a
// host drives asynchronous requests through vendor-specific control
// transfers (INIT, CHECK, SEND, RECV, RESET) on the default pipe.
package usbchan

import "encoding/binary"

// Service request codes carried in bRequest.
const (
	ServiceInit  uint8 = 1
	ServiceCheck uint8 = 2
	ServiceSend  uint8 = 3
	ServiceRecv  uint8 = 4
	ServiceReset uint8 = 5

	// Codes in [ServiceFirst, ServiceLast] are reserved for service requests.
	ServiceFirst uint8 = 0x01
	ServiceLast  uint8 = 0x0f

	// RawRequest carries legacy single-shot requests selected by wIndex.
	RawRequest uint8 = 'P'
)

// Raw request selectors carried in wIndex of a RawRequest.
const (
	RawDeviceID      uint16 = 20
	RawSystemVersion uint16 = 30
)

// bmRequestType bits.
const (
	RequestDirectionIn uint8 = 0x80
	RequestTypeVendor  uint8 = 0x40
	RequestTypeMask    uint8 = 0x60
)

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// SetupRequest is a decoded SETUP packet together with its data stage.
//
// For host-to-device requests Data holds the received bytes. For
// device-to-host requests Data is the buffer to fill; the channel may
// shorten it or replace it with its own buffer for large transfers.
type SetupRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Data        []byte
}

// ParseSetupPacket decodes the 8-byte SETUP packet in data into out.
// It returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupRequest) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:])
	out.Index = binary.LittleEndian.Uint16(data[4:])
	out.Length = binary.LittleEndian.Uint16(data[6:])
	return true
}

// MarshalTo writes the SETUP packet to buf. It returns the number of bytes
// written, or 0 if buf is too small.
func (s *SetupRequest) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:], s.Value)
	binary.LittleEndian.PutUint16(buf[4:], s.Index)
	binary.LittleEndian.PutUint16(buf[6:], s.Length)
	return SetupPacketSize
}

// IsDeviceToHost reports whether the data stage flows to the host.
func (s *SetupRequest) IsDeviceToHost() bool {
	return s.RequestType&RequestDirectionIn != 0
}

// IsVendor reports whether bmRequestType selects a vendor request.
func (s *SetupRequest) IsVendor() bool {
	return s.RequestType&RequestTypeMask == RequestTypeVendor
}

// IsService reports whether bRequest is in the service request range.
func (s *SetupRequest) IsService() bool {
	return s.Request >= ServiceFirst && s.Request <= ServiceLast
}
