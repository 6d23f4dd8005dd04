// Package protocol implements the framing of the BLE control channel.
//
// A message on the wire is
//
//	MessageHeader (2 bytes, plaintext, authenticated as associated data)
//	RequestHeader or ReplyHeader, then payload (encrypted)
//	authentication tag (8 bytes)
//
// All integers are little-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MessageHeaderSize is the size of the plaintext message header.
	MessageHeaderSize = 2
	// RequestHeaderSize is the size of the encrypted request header.
	RequestHeaderSize = 4
	// ReplyHeaderSize is the size of the encrypted reply header.
	ReplyHeaderSize = 6
)

// Version is the protocol version, served as a single byte by the version
// characteristic.
const Version uint8 = 1

// ErrShortBuffer is returned when decoding from too few bytes.
var ErrShortBuffer = errors.New("protocol: short buffer")

// MessageHeader precedes every message. Size is the payload length,
// excluding the request or reply header and the tag.
type MessageHeader struct {
	Size uint16
}

// AppendTo appends the encoded header to b.
func (h MessageHeader) AppendTo(b []byte) []byte {
	return binary.LittleEndian.AppendUint16(b, h.Size)
}

// ParseMessageHeader decodes a MessageHeader from the start of b.
func ParseMessageHeader(b []byte) (MessageHeader, error) {
	if len(b) < MessageHeaderSize {
		return MessageHeader{}, fmt.Errorf("%w: message header needs %d bytes, got %d", ErrShortBuffer, MessageHeaderSize, len(b))
	}
	return MessageHeader{Size: binary.LittleEndian.Uint16(b)}, nil
}

// RequestHeader starts the encrypted body of a host-to-device message.
type RequestHeader struct {
	ID   uint16
	Type uint16
}

// AppendTo appends the encoded header to b.
func (h RequestHeader) AppendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, h.ID)
	return binary.LittleEndian.AppendUint16(b, h.Type)
}

// ParseRequestHeader decodes a RequestHeader from the start of b.
func ParseRequestHeader(b []byte) (RequestHeader, error) {
	if len(b) < RequestHeaderSize {
		return RequestHeader{}, fmt.Errorf("%w: request header needs %d bytes, got %d", ErrShortBuffer, RequestHeaderSize, len(b))
	}
	return RequestHeader{
		ID:   binary.LittleEndian.Uint16(b),
		Type: binary.LittleEndian.Uint16(b[2:]),
	}, nil
}

// ReplyHeader starts the encrypted body of a device-to-host message.
type ReplyHeader struct {
	ID     uint16
	Result int32
}

// AppendTo appends the encoded header to b.
func (h ReplyHeader) AppendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, h.ID)
	return binary.LittleEndian.AppendUint32(b, uint32(h.Result))
}

// ParseReplyHeader decodes a ReplyHeader from the start of b.
func ParseReplyHeader(b []byte) (ReplyHeader, error) {
	if len(b) < ReplyHeaderSize {
		return ReplyHeader{}, fmt.Errorf("%w: reply header needs %d bytes, got %d", ErrShortBuffer, ReplyHeaderSize, len(b))
	}
	return ReplyHeader{
		ID:     binary.LittleEndian.Uint16(b),
		Result: int32(binary.LittleEndian.Uint32(b[2:])),
	}, nil
}
