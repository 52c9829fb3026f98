// Package ring implements a bounded single-producer single-consumer queue of
// fixed-size slots over shared memory.
//
// The ring starts with a 16 byte header followed by Capacity slots:
//
//	offset 0: producer index (written by the producer only)
//	offset 4: consumer index (written by the consumer only)
//	offset 8: stall flag (set by a producer waiting for space)
//
// Indices run freely and wrap modulo 2^32; the slot for index i is
// i & (Capacity-1). Capacity is a power of two so the difference of the two
// indices is the fill level even across wraparound.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/pvz/internal/mem"
)

// HeaderSize is the size of the index block in front of the slots.
const HeaderSize = 16

// MaxCapacity keeps the fill level unambiguous in 32 bits.
const MaxCapacity = 1 << 30

var (
	// ErrLayout reports an unusable ring geometry.
	ErrLayout = errors.New("ring: invalid layout")
	// ErrCorrupt means the producer index ran more than a ring's capacity
	// ahead of the consumer.
	ErrCorrupt = errors.New("ring: producer index overflows ring")
)

// Layout fixes the geometry of a ring. It is agreed at channel setup and
// never renegotiated.
type Layout struct {
	Capacity uint32
	SlotSize int
}

// Validate checks that Capacity is a power of two and SlotSize a positive
// multiple of 8.
func (l Layout) Validate() error {
	if l.Capacity == 0 || l.Capacity&(l.Capacity-1) != 0 || l.Capacity > MaxCapacity {
		return fmt.Errorf("%w: capacity %d is not a power of two", ErrLayout, l.Capacity)
	}
	if l.SlotSize <= 0 || l.SlotSize%8 != 0 {
		return fmt.Errorf("%w: slot size %d is not a positive multiple of 8", ErrLayout, l.SlotSize)
	}
	return nil
}

// Size is the number of bytes one ring occupies.
func (l Layout) Size() int64 {
	return HeaderSize + int64(l.Capacity)*int64(l.SlotSize)
}

// Ring is one direction of a channel.
type Ring struct {
	layout Layout
	mask   uint32
	mem    *mem.Vector
	slots  int64

	prod  *atomicbitops.Uint32
	cons  *atomicbitops.Uint32
	stall *atomicbitops.Uint32

	// corrupt is local state, set once the consumer sees an impossible
	// producer index.
	corrupt atomic.Bool
}

// New places a ring at offset base of v.
func New(v *mem.Vector, base int64, l Layout) (*Ring, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if base < 0 || base%8 != 0 || base+l.Size() > v.Len() {
		return nil, fmt.Errorf("%w: ring of %d bytes at %d does not fit in %d bytes", ErrLayout, l.Size(), base, v.Len())
	}
	prod, err := v.Uint32(base)
	if err != nil {
		return nil, err
	}
	cons, err := v.Uint32(base + 4)
	if err != nil {
		return nil, err
	}
	stall, err := v.Uint32(base + 8)
	if err != nil {
		return nil, err
	}
	return &Ring{
		layout: l,
		mask:   l.Capacity - 1,
		mem:    v,
		slots:  base + HeaderSize,
		prod:   prod,
		cons:   cons,
		stall:  stall,
	}, nil
}

// Reset zeroes both indices. Only the side that owns the memory calls it,
// before the peer is told about the ring.
func (r *Ring) Reset() {
	r.prod.Store(0)
	r.cons.Store(0)
	r.stall.Store(0)
}

func (r *Ring) Layout() Layout { return r.layout }

func (r *Ring) Capacity() uint32 { return r.layout.Capacity }

// Len is the number of published but unconsumed slots.
func (r *Ring) Len() uint32 {
	return r.prod.Load() - r.cons.Load()
}

// HasUnconsumed reports whether the consumer has work.
func (r *Ring) HasUnconsumed() bool {
	return r.prod.Load() != r.cons.Load()
}

// Indices returns the producer and consumer index.
func (r *Ring) Indices() (prod, cons uint32) {
	return r.prod.Load(), r.cons.Load()
}

func (r *Ring) slotOffset(idx uint32) int64 {
	return r.slots + int64(idx&r.mask)*int64(r.layout.SlotSize)
}

// Producer is the writing end of a ring.
type Producer struct{ r *Ring }

// Producer returns the writing end. Exactly one party may use it.
func (r *Ring) Producer() *Producer { return &Producer{r: r} }

// Free is the number of slots that can be enqueued without blocking.
func (p *Producer) Free() uint32 {
	return p.r.layout.Capacity - (p.r.prod.RacyLoad() - p.r.cons.Load())
}

// TryEnqueue copies slot into the ring and publishes it. It returns false
// when the ring is full. slot may be shorter than the slot size; the rest
// is zeroed. A longer slot is a programming error and panics.
func (p *Producer) TryEnqueue(slot []byte) bool {
	r := p.r
	if len(slot) > r.layout.SlotSize {
		panic(fmt.Sprintf("ring: slot of %d bytes exceeds slot size %d", len(slot), r.layout.SlotSize))
	}
	prod := r.prod.RacyLoad()
	if prod-r.cons.Load() >= r.layout.Capacity {
		return false
	}
	off := r.slotOffset(prod)
	r.mem.WriteAt(slot, off)
	if pad := r.layout.SlotSize - len(slot); pad > 0 {
		r.mem.WriteAt(make([]byte, pad), off+int64(len(slot)))
	}
	// The store publishes the slot contents written above.
	r.prod.Store(prod + 1)
	return true
}

// MarkStalled records that the producer found the ring full and wants a
// notification once the consumer frees a slot. It returns true if a slot
// was freed in the meantime, in which case the producer should go on
// instead of waiting.
func (p *Producer) MarkStalled() bool {
	p.r.stall.Store(1)
	return p.Free() > 0
}

// Consumer is the reading end of a ring.
type Consumer struct{ r *Ring }

// Consumer returns the reading end. Exactly one party may use it.
func (r *Ring) Consumer() *Consumer { return &Consumer{r: r} }

// HasUnconsumed reports whether TryDequeue would succeed.
func (c *Consumer) HasUnconsumed() bool {
	_, _, ok := c.next()
	return ok
}

// Err returns ErrCorrupt once the producer has published an index more than
// Capacity ahead of the consumer. The consumer then refuses every slot.
func (c *Consumer) Err() error {
	if c.r.corrupt.Load() {
		return ErrCorrupt
	}
	return nil
}

// next loads both indices and checks prod-cons <= Capacity. The producer
// index belongs to the peer and may hold anything.
func (c *Consumer) next() (prod, cons uint32, ok bool) {
	r := c.r
	if r.corrupt.Load() {
		return 0, 0, false
	}
	cons = r.cons.RacyLoad()
	// Loading the producer index orders the slot read after it.
	prod = r.prod.Load()
	if prod-cons > r.layout.Capacity {
		r.corrupt.Store(true)
		return 0, 0, false
	}
	return prod, cons, prod != cons
}

// TryDequeue copies the oldest slot into buf and releases it. It returns
// false when the ring is empty or corrupt. buf must hold at least one slot.
func (c *Consumer) TryDequeue(buf []byte) bool {
	r := c.r
	if len(buf) < r.layout.SlotSize {
		panic(fmt.Sprintf("ring: buffer of %d bytes is smaller than slot size %d", len(buf), r.layout.SlotSize))
	}
	_, cons, ok := c.next()
	if !ok {
		return false
	}
	r.mem.ReadAt(buf[:r.layout.SlotSize], r.slotOffset(cons))
	r.cons.Store(cons + 1)
	return true
}

// TakeStalled clears the producer's stall flag and reports whether it was
// set. Call it after dequeuing; a true result means the producer must be
// notified.
func (c *Consumer) TakeStalled() bool {
	return c.r.stall.Swap(0) == 1
}
