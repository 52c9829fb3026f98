// Package gpuif defines the messages the GPU frontend and backend exchange.
//
// Every request and response has a fixed encoded size per operation; there
// is no length-prefixed framing inside a body.
package gpuif

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/pvz/internal/pagedir"
	"github.com/tinyrange/pvz/internal/rpc"
)

// Version is the protocol version both ends publish.
const Version = "v1.0.0"

const (
	OpHeartbeat                  = rpc.OpHeartbeat
	OpCreateDevConfig     rpc.Op = 1
	OpDestroyDevConfig    rpc.Op = 2
	OpCreateDevPhysHeaps  rpc.Op = 3
	OpDestroyDevPhysHeaps rpc.Op = 4
	OpMapDevPhysHeap      rpc.Op = 5
	OpUnmapDevPhysHeap    rpc.Op = 6
	// OpClearInstance is sent without expecting a reply.
	OpClearInstance rpc.Op = 7
)

// MaxHeaps is the most physical heaps one device exposes.
const MaxHeaps = 4

// MinSlotSize is the smallest ring slot that holds every message.
const MinSlotSize = rpc.HeaderSize + 4 + MaxHeaps*heapInfoSize

var (
	ErrShortBody = errors.New("gpuif: body too short")
	ErrUnknownOp = errors.New("gpuif: unknown operation")
)

// OSID identifies a guest instance.
type OSID uint32

// DeviceID identifies a GPU device within an instance.
type DeviceID uint32

// Message is a request or response body.
type Message interface {
	Op() rpc.Op
	// Size is the encoded length.
	Size() int
	encode(b []byte)
}

// Marshal encodes m into a new body.
func Marshal(m Message) []byte {
	b := make([]byte, m.Size())
	m.encode(b)
	return b
}

// Target names the device a request addresses.
type Target struct {
	OSID   OSID
	Device DeviceID
}

const targetSize = 8

func parseTarget(b []byte) Target {
	return Target{
		OSID:   OSID(binary.LittleEndian.Uint32(b[0:4])),
		Device: DeviceID(binary.LittleEndian.Uint32(b[4:8])),
	}
}

func (t Target) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(t.OSID))
	binary.LittleEndian.PutUint32(b[4:8], uint32(t.Device))
}

// CreateDevConfigRequest asks for a device's configuration.
type CreateDevConfigRequest struct{ Target }

func (CreateDevConfigRequest) Op() rpc.Op        { return OpCreateDevConfig }
func (CreateDevConfigRequest) Size() int         { return targetSize }
func (r CreateDevConfigRequest) encode(b []byte) { r.Target.encode(b) }

// DestroyDevConfigRequest drops a device's configuration and everything
// mapped for it.
type DestroyDevConfigRequest struct{ Target }

func (DestroyDevConfigRequest) Op() rpc.Op        { return OpDestroyDevConfig }
func (DestroyDevConfigRequest) Size() int         { return targetSize }
func (r DestroyDevConfigRequest) encode(b []byte) { r.Target.encode(b) }

// CreateDevPhysHeapsRequest asks for up to Count physical heaps.
type CreateDevPhysHeapsRequest struct {
	Target
	Count uint32
}

func (CreateDevPhysHeapsRequest) Op() rpc.Op { return OpCreateDevPhysHeaps }
func (CreateDevPhysHeapsRequest) Size() int  { return targetSize + 4 }
func (r CreateDevPhysHeapsRequest) encode(b []byte) {
	r.Target.encode(b)
	binary.LittleEndian.PutUint32(b[8:12], r.Count)
}

// DestroyDevPhysHeapsRequest releases a device's heaps, unmapping any that
// are still mapped.
type DestroyDevPhysHeapsRequest struct{ Target }

func (DestroyDevPhysHeapsRequest) Op() rpc.Op        { return OpDestroyDevPhysHeaps }
func (DestroyDevPhysHeapsRequest) Size() int         { return targetSize }
func (r DestroyDevPhysHeapsRequest) encode(b []byte) { r.Target.encode(b) }

// MapDevPhysHeapRequest hands the backend a shared buffer to back a heap.
// First and Pages locate the buffer's directory chain.
type MapDevPhysHeapRequest struct {
	Target
	Heap  uint32
	Pages uint32
	First uint64
	Tag   pagedir.Tag
}

func (MapDevPhysHeapRequest) Op() rpc.Op { return OpMapDevPhysHeap }
func (MapDevPhysHeapRequest) Size() int  { return targetSize + 16 + pagedir.TagSize }
func (r MapDevPhysHeapRequest) encode(b []byte) {
	r.Target.encode(b)
	binary.LittleEndian.PutUint32(b[8:12], r.Heap)
	binary.LittleEndian.PutUint32(b[12:16], r.Pages)
	binary.LittleEndian.PutUint64(b[16:24], r.First)
	copy(b[24:24+pagedir.TagSize], r.Tag[:])
}

// UnmapDevPhysHeapRequest releases the buffer backing a heap.
type UnmapDevPhysHeapRequest struct {
	Target
	Heap uint32
}

func (UnmapDevPhysHeapRequest) Op() rpc.Op { return OpUnmapDevPhysHeap }
func (UnmapDevPhysHeapRequest) Size() int  { return targetSize + 4 }
func (r UnmapDevPhysHeapRequest) encode(b []byte) {
	r.Target.encode(b)
	binary.LittleEndian.PutUint32(b[8:12], r.Heap)
}

// ClearInstanceRequest drops all state the backend holds for an instance.
type ClearInstanceRequest struct {
	OSID OSID
}

func (ClearInstanceRequest) Op() rpc.Op { return OpClearInstance }
func (ClearInstanceRequest) Size() int  { return 4 }
func (r ClearInstanceRequest) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(r.OSID))
}

// DevConfig describes one device.
type DevConfig struct {
	Device    DeviceID
	Revision  uint32
	Cores     uint32
	HeapCount uint32
	MMIOBase  uint64
	MMIOSize  uint64
}

func (DevConfig) Op() rpc.Op { return OpCreateDevConfig }
func (DevConfig) Size() int  { return 32 }
func (c DevConfig) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(c.Device))
	binary.LittleEndian.PutUint32(b[4:8], c.Revision)
	binary.LittleEndian.PutUint32(b[8:12], c.Cores)
	binary.LittleEndian.PutUint32(b[12:16], c.HeapCount)
	binary.LittleEndian.PutUint64(b[16:24], c.MMIOBase)
	binary.LittleEndian.PutUint64(b[24:32], c.MMIOSize)
}

func parseDevConfig(b []byte) DevConfig {
	return DevConfig{
		Device:    DeviceID(binary.LittleEndian.Uint32(b[0:4])),
		Revision:  binary.LittleEndian.Uint32(b[4:8]),
		Cores:     binary.LittleEndian.Uint32(b[8:12]),
		HeapCount: binary.LittleEndian.Uint32(b[12:16]),
		MMIOBase:  binary.LittleEndian.Uint64(b[16:24]),
		MMIOSize:  binary.LittleEndian.Uint64(b[24:32]),
	}
}

// HeapInfo describes one physical heap.
type HeapInfo struct {
	ID   uint32
	Base uint64
	Size uint64
}

const heapInfoSize = 20

func parseHeapInfo(b []byte) HeapInfo {
	return HeapInfo{
		ID:   binary.LittleEndian.Uint32(b[0:4]),
		Base: binary.LittleEndian.Uint64(b[4:12]),
		Size: binary.LittleEndian.Uint64(b[12:20]),
	}
}

func (h HeapInfo) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.ID)
	binary.LittleEndian.PutUint64(b[4:12], h.Base)
	binary.LittleEndian.PutUint64(b[12:20], h.Size)
}

// PhysHeaps lists the heaps created for a device.
type PhysHeaps struct {
	Heaps []HeapInfo
}

func (PhysHeaps) Op() rpc.Op { return OpCreateDevPhysHeaps }
func (PhysHeaps) Size() int  { return 4 + MaxHeaps*heapInfoSize }
func (p PhysHeaps) encode(b []byte) {
	n := min(len(p.Heaps), MaxHeaps)
	binary.LittleEndian.PutUint32(b[0:4], uint32(n))
	for i := 0; i < n; i++ {
		p.Heaps[i].encode(b[4+i*heapInfoSize:])
	}
}

// HeapMapping reports where the device sees a mapped heap.
type HeapMapping struct {
	Heap uint32
	Base uint64
}

func (HeapMapping) Op() rpc.Op { return OpMapDevPhysHeap }
func (HeapMapping) Size() int  { return 12 }
func (m HeapMapping) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], m.Heap)
	binary.LittleEndian.PutUint64(b[4:12], m.Base)
}

// Ack is the empty response of operations that return nothing.
type Ack struct{ Operation rpc.Op }

func (a Ack) Op() rpc.Op  { return a.Operation }
func (Ack) Size() int     { return 0 }
func (Ack) encode([]byte) {}

func need(op rpc.Op, b []byte, n int) error {
	if len(b) < n {
		return fmt.Errorf("%w: op %d needs %d bytes, got %d", ErrShortBody, op, n, len(b))
	}
	return nil
}

// DecodeRequest parses the body of a request for op.
func DecodeRequest(op rpc.Op, b []byte) (Message, error) {
	switch op {
	case OpCreateDevConfig:
		if err := need(op, b, targetSize); err != nil {
			return nil, err
		}
		return CreateDevConfigRequest{parseTarget(b)}, nil
	case OpDestroyDevConfig:
		if err := need(op, b, targetSize); err != nil {
			return nil, err
		}
		return DestroyDevConfigRequest{parseTarget(b)}, nil
	case OpCreateDevPhysHeaps:
		if err := need(op, b, targetSize+4); err != nil {
			return nil, err
		}
		return CreateDevPhysHeapsRequest{Target: parseTarget(b), Count: binary.LittleEndian.Uint32(b[8:12])}, nil
	case OpDestroyDevPhysHeaps:
		if err := need(op, b, targetSize); err != nil {
			return nil, err
		}
		return DestroyDevPhysHeapsRequest{parseTarget(b)}, nil
	case OpMapDevPhysHeap:
		var r MapDevPhysHeapRequest
		if err := need(op, b, r.Size()); err != nil {
			return nil, err
		}
		r.Target = parseTarget(b)
		r.Heap = binary.LittleEndian.Uint32(b[8:12])
		r.Pages = binary.LittleEndian.Uint32(b[12:16])
		r.First = binary.LittleEndian.Uint64(b[16:24])
		copy(r.Tag[:], b[24:24+pagedir.TagSize])
		return r, nil
	case OpUnmapDevPhysHeap:
		if err := need(op, b, targetSize+4); err != nil {
			return nil, err
		}
		return UnmapDevPhysHeapRequest{Target: parseTarget(b), Heap: binary.LittleEndian.Uint32(b[8:12])}, nil
	case OpClearInstance:
		if err := need(op, b, 4); err != nil {
			return nil, err
		}
		return ClearInstanceRequest{OSID: OSID(binary.LittleEndian.Uint32(b[0:4]))}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownOp, op)
}

// DecodeResponse parses the body of a successful response to op.
func DecodeResponse(op rpc.Op, b []byte) (Message, error) {
	switch op {
	case OpCreateDevConfig:
		if err := need(op, b, DevConfig{}.Size()); err != nil {
			return nil, err
		}
		return parseDevConfig(b), nil
	case OpCreateDevPhysHeaps:
		if err := need(op, b, 4); err != nil {
			return nil, err
		}
		n := int(binary.LittleEndian.Uint32(b[0:4]))
		if n > MaxHeaps {
			return nil, fmt.Errorf("gpuif: %d heaps exceeds %d", n, MaxHeaps)
		}
		if err := need(op, b, 4+n*heapInfoSize); err != nil {
			return nil, err
		}
		p := PhysHeaps{Heaps: make([]HeapInfo, n)}
		for i := range p.Heaps {
			p.Heaps[i] = parseHeapInfo(b[4+i*heapInfoSize:])
		}
		return p, nil
	case OpMapDevPhysHeap:
		if err := need(op, b, HeapMapping{}.Size()); err != nil {
			return nil, err
		}
		return HeapMapping{
			Heap: binary.LittleEndian.Uint32(b[0:4]),
			Base: binary.LittleEndian.Uint64(b[4:12]),
		}, nil
	case OpHeartbeat, OpDestroyDevConfig, OpDestroyDevPhysHeaps, OpUnmapDevPhysHeap:
		return Ack{Operation: op}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownOp, op)
}
