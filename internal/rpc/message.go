// Package rpc turns a pair of asynchronous slot queues into synchronous
// calls.
//
// Every slot starts with a 16 byte header:
//
//	0  id      uint64  correlation id, copied into the response
//	8  op      uint8   operation code, copied into the response
//	9  flags   uint8   FlagNoReply for fire-and-forget requests
//	10 status  int16   zero in requests, result code in responses
//	12 length  uint32  bytes of body in use
//	16 body    fixed-size, op specific
//
// Responses are matched to callers by id alone; the order in which they
// arrive does not matter.
package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the slot header.
const HeaderSize = 16

// Op is an operation code.
type Op uint8

// OpHeartbeat is answered by every server without a handler. Protocols
// number their own operations from 1.
const OpHeartbeat Op = 0

// Flags modify how a request is handled.
type Flags uint8

const (
	// FlagNoReply marks a request the server must not answer.
	FlagNoReply Flags = 1 << iota
)

// Status is the result code carried in a response.
type Status int16

const (
	StatusOK          Status = 0
	StatusNotFound    Status = -2
	StatusInternal    Status = -5
	StatusNoMemory    Status = -12
	StatusBusy        Status = -16
	StatusExists      Status = -17
	StatusInvalid     Status = -22
	StatusUnsupported Status = -95
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not found"
	case StatusInternal:
		return "internal error"
	case StatusNoMemory:
		return "out of memory"
	case StatusBusy:
		return "busy"
	case StatusExists:
		return "already exists"
	case StatusInvalid:
		return "invalid argument"
	case StatusUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("status(%d)", int16(s))
	}
}

var (
	ErrBodyTooLarge = errors.New("rpc: body exceeds slot")
	ErrMalformed    = errors.New("rpc: malformed slot")
)

// Message is a decoded slot.
type Message struct {
	ID     uint64
	Op     Op
	Flags  Flags
	Status Status
	Body   []byte
}

// MaxBody is the body capacity of a slot of slotSize bytes.
func MaxBody(slotSize int) int { return slotSize - HeaderSize }

// MarshalTo writes m into slot, zeroing the unused part of the body.
func (m *Message) MarshalTo(slot []byte) error {
	if len(slot) < HeaderSize {
		return fmt.Errorf("%w: slot of %d bytes", ErrMalformed, len(slot))
	}
	if len(m.Body) > MaxBody(len(slot)) {
		return fmt.Errorf("%w: %d > %d bytes", ErrBodyTooLarge, len(m.Body), MaxBody(len(slot)))
	}
	binary.LittleEndian.PutUint64(slot[0:8], m.ID)
	slot[8] = byte(m.Op)
	slot[9] = byte(m.Flags)
	binary.LittleEndian.PutUint16(slot[10:12], uint16(m.Status))
	binary.LittleEndian.PutUint32(slot[12:16], uint32(len(m.Body)))
	n := copy(slot[HeaderSize:], m.Body)
	clear(slot[HeaderSize+n:])
	return nil
}

// ParseMessage decodes slot. The header fields are returned even when the
// length is out of range so the caller can still answer the request; the
// body is copied out of the slot.
func ParseMessage(slot []byte) (Message, error) {
	if len(slot) < HeaderSize {
		return Message{}, fmt.Errorf("%w: slot of %d bytes", ErrMalformed, len(slot))
	}
	m := Message{
		ID:     binary.LittleEndian.Uint64(slot[0:8]),
		Op:     Op(slot[8]),
		Flags:  Flags(slot[9]),
		Status: Status(int16(binary.LittleEndian.Uint16(slot[10:12]))),
	}
	n := binary.LittleEndian.Uint32(slot[12:16])
	if int64(n) > int64(MaxBody(len(slot))) {
		return m, fmt.Errorf("%w: body length %d exceeds %d", ErrMalformed, n, MaxBody(len(slot)))
	}
	m.Body = append([]byte(nil), slot[HeaderSize:HeaderSize+int(n)]...)
	return m, nil
}
