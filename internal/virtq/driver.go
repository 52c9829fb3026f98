package virtq

import (
	"encoding/binary"
	"fmt"
)

// DriverQueue is the driver half of a queue. It is not safe for concurrent
// use.
type DriverQueue struct {
	access

	free        []uint16
	chains      map[uint16][]uint16
	availIdx    uint16
	lastUsedIdx uint16
}

// NewDriverQueue lays out an empty queue in mem.
func NewDriverQueue(mem GuestMemory, l Layout) (*DriverQueue, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	q := &DriverQueue{
		access: access{mem: mem, layout: l},
		chains: make(map[uint16][]uint16),
	}
	if err := q.write(0, make([]byte, l.bufAddr())); err != nil {
		return nil, fmt.Errorf("virtq: clear rings: %w", err)
	}
	for i := int(l.Size) - 1; i >= 0; i-- {
		q.free = append(q.free, uint16(i))
	}
	return q, nil
}

func (q *DriverQueue) Layout() Layout { return q.layout }

// NumFree is the number of unused descriptors.
func (q *DriverQueue) NumFree() int { return len(q.free) }

// Outstanding is the number of chains the device still holds.
func (q *DriverQueue) Outstanding() int { return len(q.chains) }

// AddChain posts out (device-readable) followed by in (device-writable)
// buffers as one chain and returns its head.
func (q *DriverQueue) AddChain(out, in []Buffer) (uint16, error) {
	total := len(out) + len(in)
	if total == 0 {
		return 0, fmt.Errorf("virtq: empty chain")
	}
	if total > len(q.free) {
		return 0, fmt.Errorf("%w: chain of %d, %d free", ErrQueueFull, total, len(q.free))
	}

	idxs := make([]uint16, total)
	for i := range idxs {
		idxs[i] = q.free[len(q.free)-1-i]
	}
	for i, idx := range idxs {
		var b Buffer
		var flags uint16
		if i < len(out) {
			b = out[i]
		} else {
			b = in[i-len(out)]
			flags |= descFWrite
		}
		d := Descriptor{Addr: b.Addr, Length: b.Length, Flags: flags}
		if i+1 < total {
			d.Flags |= descFNext
			d.Next = idxs[i+1]
		}
		if err := q.writeDescriptor(idx, d); err != nil {
			return 0, err
		}
	}

	head := idxs[0]
	pos := uint64(q.availIdx % q.layout.Size)
	if err := q.writeU16(q.layout.availAddr()+4+pos*2, head); err != nil {
		return 0, err
	}
	// The index store publishes the entry written above.
	if err := q.writeU16(q.layout.availAddr()+2, q.availIdx+1); err != nil {
		return 0, err
	}
	q.availIdx++
	q.free = q.free[:len(q.free)-total]
	q.chains[head] = idxs
	return head, nil
}

// PollUsed takes the next chain the device returned and frees its
// descriptors.
func (q *DriverQueue) PollUsed() (head uint16, length uint32, ok bool, err error) {
	idx, err := q.readU16(q.layout.usedAddr() + 2)
	if err != nil {
		return 0, 0, false, err
	}
	if idx == q.lastUsedIdx {
		return 0, 0, false, nil
	}
	pos := uint64(q.lastUsedIdx % q.layout.Size)
	var elem [usedElemSize]byte
	if err := q.read(q.layout.usedAddr()+4+pos*usedElemSize, elem[:]); err != nil {
		return 0, 0, false, err
	}
	q.lastUsedIdx++

	id := binary.LittleEndian.Uint32(elem[0:4])
	length = binary.LittleEndian.Uint32(elem[4:8])
	idxs, found := q.chains[uint16(id)]
	if id >= uint32(q.layout.Size) || !found {
		return 0, 0, false, fmt.Errorf("%w: id %d", ErrUnknownID, id)
	}
	delete(q.chains, uint16(id))
	q.free = append(q.free, idxs...)
	return uint16(id), length, true, nil
}

// HasUsed reports whether PollUsed would return a chain.
func (q *DriverQueue) HasUsed() (bool, error) {
	idx, err := q.readU16(q.layout.usedAddr() + 2)
	if err != nil {
		return false, err
	}
	return idx != q.lastUsedIdx, nil
}

// NeedKick reports whether the device wants to be notified of new chains.
func (q *DriverQueue) NeedKick() (bool, error) {
	flags, err := q.readU16(q.layout.usedAddr())
	if err != nil {
		return true, err
	}
	return flags&usedFNoNotify == 0, nil
}

// SuppressInterrupts sets or clears the flag telling the device not to
// interrupt on used chains.
func (q *DriverQueue) SuppressInterrupts(on bool) error {
	var flags uint16
	if on {
		flags = availFNoInterrupt
	}
	return q.writeU16(q.layout.availAddr(), flags)
}
