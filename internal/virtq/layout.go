// Package virtq implements a split virtqueue over a shared memory region.
//
// The driver posts descriptor chains on the available ring and the device
// returns them on the used ring. The region holds, in order, the descriptor
// table, the available ring, the used ring and one data buffer per
// descriptor:
//
//	desc  [Size]{addr u64, len u32, flags u16, next u16}
//	avail {flags u16, idx u16, ring [Size]u16}
//	used  {flags u16, idx u16, ring [Size]{id u32, len u32}}
//	bufs  [Size][SlotSize]byte
//
// Ring indices are free-running uint16 values; positions are taken modulo
// Size.
package virtq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

const (
	descFNext  = 1
	descFWrite = 2

	// availFNoInterrupt asks the device not to interrupt on used buffers.
	availFNoInterrupt = 1
	// usedFNoNotify asks the driver not to kick on new available buffers.
	usedFNoNotify = 1

	descSize     = 16
	usedElemSize = 8

	// MaxSize is the largest queue size.
	MaxSize = 1 << 15
)

var (
	ErrLayout     = errors.New("virtq: invalid layout")
	ErrQueueFull  = errors.New("virtq: not enough free descriptors")
	ErrDescriptor = errors.New("virtq: descriptor index out of range")
	ErrChainLoop  = errors.New("virtq: descriptor chain longer than queue")
	ErrUnknownID  = errors.New("virtq: used element names no outstanding chain")
	// ErrBroken means the driver published an avail index the device cannot
	// trust. The device side stops taking chains.
	ErrBroken = errors.New("virtq: queue broken by driver")
)

// GuestMemory is the region shared by driver and device.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// LockedMemory serialises every access to the wrapped memory. A driver and
// a device running on different goroutines share one LockedMemory so that
// an index store is ordered after the ring entry it publishes.
type LockedMemory struct {
	mu  sync.Mutex
	mem GuestMemory
}

func NewLockedMemory(mem GuestMemory) *LockedMemory {
	return &LockedMemory{mem: mem}
}

func (m *LockedMemory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem.ReadAt(p, off)
}

func (m *LockedMemory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem.WriteAt(p, off)
}

// Layout fixes the geometry of a queue.
type Layout struct {
	// Size is the number of descriptors, a power of two.
	Size uint16
	// SlotSize is the length of each descriptor's data buffer.
	SlotSize int
}

func (l Layout) Validate() error {
	if l.Size == 0 || l.Size&(l.Size-1) != 0 {
		return fmt.Errorf("%w: size %d is not a power of two", ErrLayout, l.Size)
	}
	if l.SlotSize <= 0 || l.SlotSize%8 != 0 {
		return fmt.Errorf("%w: slot size %d is not a positive multiple of 8", ErrLayout, l.SlotSize)
	}
	return nil
}

func align(v, to uint64) uint64 { return (v + to - 1) &^ (to - 1) }

func (l Layout) descAddr() uint64  { return 0 }
func (l Layout) availAddr() uint64 { return uint64(l.Size) * descSize }
func (l Layout) usedAddr() uint64  { return align(l.availAddr()+4+2*uint64(l.Size), 4) }
func (l Layout) bufAddr() uint64 {
	return align(l.usedAddr()+4+usedElemSize*uint64(l.Size), 16)
}

// BufferAddr is the address of descriptor i's data buffer.
func (l Layout) BufferAddr(i uint16) uint64 {
	return l.bufAddr() + uint64(i)*uint64(l.SlotSize)
}

// Bytes is the size of the whole region.
func (l Layout) Bytes() int64 {
	return int64(l.bufAddr()) + int64(l.Size)*int64(l.SlotSize)
}

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// Buffer is one element of a descriptor chain.
type Buffer struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// access wraps the byte-level reads and writes both halves share.
type access struct {
	mem    GuestMemory
	layout Layout
}

func guestOffset(addr uint64, length int) (int64, error) {
	if addr > math.MaxInt64 || uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("virtq: access of %d bytes at %#x out of range", length, addr)
	}
	return int64(addr), nil
}

func (a access) read(addr uint64, buf []byte) error {
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := a.mem.ReadAt(buf, off)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return fmt.Errorf("virtq: read %d bytes at %#x: %w", len(buf), addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("virtq: short read at %#x (want %d, got %d)", addr, len(buf), n)
	}
	return nil
}

func (a access) write(addr uint64, data []byte) error {
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := a.mem.WriteAt(data, off)
	if err != nil {
		return fmt.Errorf("virtq: write %d bytes at %#x: %w", len(data), addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("virtq: short write at %#x (want %d, got %d)", addr, len(data), n)
	}
	return nil
}

func (a access) readU16(addr uint64) (uint16, error) {
	var b [2]byte
	if err := a.read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (a access) writeU16(addr uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return a.write(addr, b[:])
}

func (a access) readDescriptor(idx uint16) (Descriptor, error) {
	if idx >= a.layout.Size {
		return Descriptor{}, fmt.Errorf("%w: %d (size %d)", ErrDescriptor, idx, a.layout.Size)
	}
	var b [descSize]byte
	if err := a.read(a.layout.descAddr()+uint64(idx)*descSize, b[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(b[0:8]),
		Length: binary.LittleEndian.Uint32(b[8:12]),
		Flags:  binary.LittleEndian.Uint16(b[12:14]),
		Next:   binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

func (a access) writeDescriptor(idx uint16, d Descriptor) error {
	var b [descSize]byte
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint32(b[8:12], d.Length)
	binary.LittleEndian.PutUint16(b[12:14], d.Flags)
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
	return a.write(a.layout.descAddr()+uint64(idx)*descSize, b[:])
}

// ReadBuffer copies the contents of b.
func (a access) ReadBuffer(b Buffer) ([]byte, error) {
	if b.Length == 0 {
		return nil, nil
	}
	data := make([]byte, b.Length)
	if err := a.read(b.Addr, data); err != nil {
		return nil, err
	}
	return data, nil
}
