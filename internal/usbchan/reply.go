package usbchan

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Status is the service-level status reported to the host.
type Status uint16

const (
	StatusOK       Status = 0
	StatusError    Status = 1
	StatusPending  Status = 2
	StatusBusy     Status = 3
	StatusNoMemory Status = 4
	StatusNotFound Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusPending:
		return "pending"
	case StatusBusy:
		return "busy"
	case StatusNoMemory:
		return "no memory"
	case StatusNotFound:
		return "not found"
	default:
		return fmt.Sprintf("status(%d)", uint16(s))
	}
}

// Reply field flags, in wire order.
const (
	FieldStatus uint32 = 0x01
	FieldID     uint32 = 0x02
	FieldSize   uint32 = 0x04
	FieldResult uint32 = 0x08

	allFields = FieldStatus | FieldID | FieldSize | FieldResult
)

// MaxReplySize is the encoded size of a reply carrying every field.
const MaxReplySize = 4 + 2 + 2 + 4 + 4

var (
	// ErrShortBuffer is returned when a reply does not fit the data stage.
	ErrShortBuffer = errors.New("usbchan: buffer too small for reply")
	// ErrMalformedReply is returned by ParseReply for invalid encodings.
	ErrMalformedReply = errors.New("usbchan: malformed service reply")
)

// Reply is a service reply. Only fields named in Fields are encoded.
type Reply struct {
	Fields uint32
	Status Status
	ID     uint16
	Size   uint32
	Result int32
}

// NewReply returns a reply carrying only a status.
func NewReply(st Status) Reply {
	return Reply{Fields: FieldStatus, Status: st}
}

// WithID adds the request id field.
func (r Reply) WithID(id uint16) Reply {
	r.Fields |= FieldID
	r.ID = id
	return r
}

// WithSize adds the payload size field.
func (r Reply) WithSize(size uint32) Reply {
	r.Fields |= FieldSize
	r.Size = size
	return r
}

// WithResult adds the result code field.
func (r Reply) WithResult(result int32) Reply {
	r.Fields |= FieldResult
	r.Result = result
	return r
}

// Has reports whether the reply carries field f.
func (r Reply) Has(f uint32) bool {
	return r.Fields&f != 0
}

// EncodedLen returns the number of bytes MarshalTo writes.
func (r Reply) EncodedLen() int {
	n := 4
	if r.Has(FieldStatus) {
		n += 2
	}
	if r.Has(FieldID) {
		n += 2
	}
	if r.Has(FieldSize) {
		n += 4
	}
	if r.Has(FieldResult) {
		n += 4
	}
	return n
}

// MarshalTo encodes the reply little-endian into buf and returns the number
// of bytes written.
func (r Reply) MarshalTo(buf []byte) (int, error) {
	n := r.EncodedLen()
	if len(buf) < n {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, len(buf))
	}
	binary.LittleEndian.PutUint32(buf, r.Fields&allFields)
	off := 4
	if r.Has(FieldStatus) {
		binary.LittleEndian.PutUint16(buf[off:], uint16(r.Status))
		off += 2
	}
	if r.Has(FieldID) {
		binary.LittleEndian.PutUint16(buf[off:], r.ID)
		off += 2
	}
	if r.Has(FieldSize) {
		binary.LittleEndian.PutUint32(buf[off:], r.Size)
		off += 4
	}
	if r.Has(FieldResult) {
		binary.LittleEndian.PutUint32(buf[off:], uint32(r.Result))
		off += 4
	}
	return off, nil
}

// ParseReply decodes a reply produced by MarshalTo.
func ParseReply(data []byte) (Reply, error) {
	var r Reply
	if len(data) < 4 {
		return r, fmt.Errorf("%w: %d bytes", ErrMalformedReply, len(data))
	}
	r.Fields = binary.LittleEndian.Uint32(data)
	if r.Fields&^allFields != 0 {
		return r, fmt.Errorf("%w: unknown fields 0x%x", ErrMalformedReply, r.Fields)
	}
	if len(data) != r.EncodedLen() {
		return r, fmt.Errorf("%w: length %d, want %d", ErrMalformedReply, len(data), r.EncodedLen())
	}
	off := 4
	if r.Has(FieldStatus) {
		r.Status = Status(binary.LittleEndian.Uint16(data[off:]))
		off += 2
	}
	if r.Has(FieldID) {
		r.ID = binary.LittleEndian.Uint16(data[off:])
		off += 2
	}
	if r.Has(FieldSize) {
		r.Size = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	if r.Has(FieldResult) {
		r.Result = int32(binary.LittleEndian.Uint32(data[off:]))
	}
	return r, nil
}
