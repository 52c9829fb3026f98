package virtq

import (
	"encoding/binary"
	"fmt"
)

// DeviceQueue is the device half of a queue. It is not safe for concurrent
// use; one goroutine services it.
type DeviceQueue struct {
	access

	lastAvailIdx uint16
	usedIdx      uint16

	// broken is set once the driver's avail ring can no longer be trusted.
	broken error
}

// NewDeviceQueue attaches to a queue the driver has laid out in mem.
func NewDeviceQueue(mem GuestMemory, l Layout) (*DeviceQueue, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &DeviceQueue{access: access{mem: mem, layout: l}}, nil
}

func (q *DeviceQueue) Layout() Layout { return q.layout }

func (q *DeviceQueue) availState() (flags, idx uint16, err error) {
	var hdr [4]byte
	if err := q.read(q.layout.availAddr(), hdr[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint16(hdr[0:2]), binary.LittleEndian.Uint16(hdr[2:4]), nil
}

// HasAvailable reports whether the driver posted chains not yet taken.
func (q *DeviceQueue) HasAvailable() (bool, error) {
	n, err := q.availCount()
	return n > 0, err
}

// Err returns the error that broke the queue, if any.
func (q *DeviceQueue) Err() error { return q.broken }

// availCount is the number of posted entries not yet taken. The driver owns
// the avail index, so a count above the queue size breaks the queue.
func (q *DeviceQueue) availCount() (uint16, error) {
	if q.broken != nil {
		return 0, q.broken
	}
	_, idx, err := q.availState()
	if err != nil {
		q.broken = err
		return 0, err
	}
	n := idx - q.lastAvailIdx
	if n > q.layout.Size {
		q.broken = fmt.Errorf("%w: avail index %d is %d entries ahead of %d", ErrBroken, idx, n, q.lastAvailIdx)
		return 0, q.broken
	}
	return n, nil
}

// NextAvailable takes the head of the next posted chain. An entry naming a
// head outside the queue is consumed and reported with ErrDescriptor.
func (q *DeviceQueue) NextAvailable() (head uint16, ok bool, err error) {
	n, err := q.availCount()
	if err != nil || n == 0 {
		return 0, false, err
	}
	pos := uint64(q.lastAvailIdx % q.layout.Size)
	head, err = q.readU16(q.layout.availAddr() + 4 + pos*2)
	if err != nil {
		q.broken = err
		return 0, false, err
	}
	entry := q.lastAvailIdx
	q.lastAvailIdx++
	if head >= q.layout.Size {
		return 0, false, fmt.Errorf("%w: avail entry %d names head %d", ErrDescriptor, entry, head)
	}
	return head, true, nil
}

// ReadChain walks the chain starting at head. A chain longer than the queue
// is a loop and fails with ErrChainLoop.
func (q *DeviceQueue) ReadChain(head uint16) ([]Buffer, error) {
	var bufs []Buffer
	idx := head
	for i := uint16(0); i < q.layout.Size; i++ {
		d, err := q.readDescriptor(idx)
		if err != nil {
			return nil, err
		}
		bufs = append(bufs, Buffer{Addr: d.Addr, Length: d.Length, IsWrite: d.Flags&descFWrite != 0})
		if d.Flags&descFNext == 0 {
			return bufs, nil
		}
		idx = d.Next
	}
	return nil, fmt.Errorf("%w: head %d", ErrChainLoop, head)
}

// WriteBuffer copies data into a device-writable buffer and returns the
// number of bytes written. Data beyond the buffer length is dropped.
func (q *DeviceQueue) WriteBuffer(b Buffer, data []byte) (uint32, error) {
	if !b.IsWrite {
		return 0, fmt.Errorf("virtq: buffer at %#x is not device-writable", b.Addr)
	}
	if uint32(len(data)) > b.Length {
		data = data[:b.Length]
	}
	if len(data) == 0 {
		return 0, nil
	}
	if err := q.write(b.Addr, data); err != nil {
		return 0, err
	}
	return uint32(len(data)), nil
}

// PutUsed returns the chain at head to the driver with length bytes
// written.
func (q *DeviceQueue) PutUsed(head uint16, length uint32) error {
	var elem [usedElemSize]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	pos := uint64(q.usedIdx % q.layout.Size)
	if err := q.write(q.layout.usedAddr()+4+pos*usedElemSize, elem[:]); err != nil {
		return err
	}
	q.usedIdx++
	return q.writeU16(q.layout.usedAddr()+2, q.usedIdx)
}

// NeedInterrupt reports whether the driver wants an interrupt for used
// buffers.
func (q *DeviceQueue) NeedInterrupt() (bool, error) {
	flags, _, err := q.availState()
	if err != nil {
		return true, err
	}
	return flags&availFNoInterrupt == 0, nil
}

// SuppressKicks sets or clears the flag telling the driver not to notify
// the device of new chains.
func (q *DeviceQueue) SuppressKicks(on bool) error {
	var flags uint16
	if on {
		flags = usedFNoNotify
	}
	return q.writeU16(q.layout.usedAddr(), flags)
}
