package virtq

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/tinyrange/pvz/internal/ring"
	"github.com/tinyrange/pvz/internal/rpc"
)

// A request occupies a pair of data buffers: the request in the buffer of
// descriptor 2k and the response in the buffer of descriptor 2k+1.

type inflight struct {
	pair    uint16
	noReply bool
}

// ClientTransport carries rpc requests from the driver side. Each request
// is a two-descriptor chain; the response comes back in its second buffer.
type ClientTransport struct {
	mu     sync.Mutex
	q      *DriverQueue
	notify ring.Notifier
	log    *slog.Logger

	freePairs []uint16
	byHead    map[uint16]inflight
	// ready holds responses reclaimed by Post while it looked for a free
	// pair. Poll returns them first.
	ready [][]byte
}

// NewClientTransport wraps q. notify kicks the device.
func NewClientTransport(q *DriverQueue, notify ring.Notifier, logger *slog.Logger) *ClientTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &ClientTransport{q: q, notify: notify, log: logger, byHead: make(map[uint16]inflight)}
	for k := int(q.layout.Size/2) - 1; k >= 0; k-- {
		t.freePairs = append(t.freePairs, uint16(k))
	}
	return t
}

func (t *ClientTransport) SlotSize() int { return t.q.layout.SlotSize }

func (t *ClientTransport) Post(slot []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.freePairs) == 0 {
		// Chains of no-reply requests come back without an interrupt.
		for {
			buf := make([]byte, t.q.layout.SlotSize)
			if !t.reclaim(buf) {
				break
			}
			t.ready = append(t.ready, buf)
		}
		if len(t.freePairs) == 0 {
			return false
		}
	}
	pair := t.freePairs[len(t.freePairs)-1]
	l := t.q.layout
	out := Buffer{Addr: l.BufferAddr(2 * pair), Length: uint32(len(slot))}
	in := Buffer{Addr: l.BufferAddr(2*pair + 1), Length: uint32(l.SlotSize), IsWrite: true}
	if err := t.q.write(out.Addr, slot); err != nil {
		t.log.Error("virtq: stage request", "pair", pair, "err", err)
		return false
	}
	head, err := t.q.AddChain([]Buffer{out}, []Buffer{in})
	if err != nil {
		t.log.Warn("virtq: post request", "pair", pair, "err", err)
		return false
	}
	msg, _ := rpc.ParseMessage(slot)
	t.freePairs = t.freePairs[:len(t.freePairs)-1]
	t.byHead[head] = inflight{pair: pair, noReply: msg.Flags&rpc.FlagNoReply != 0}
	return true
}

func (t *ClientTransport) Kick() error {
	t.mu.Lock()
	need, err := t.q.NeedKick()
	t.mu.Unlock()
	if err != nil {
		t.log.Warn("virtq: read kick suppression", "err", err)
	}
	if !need {
		return nil
	}
	return t.notify.Notify()
}

// Poll copies the next response into buf. Chains returned for requests
// that expect no reply are recycled silently.
func (t *ClientTransport) Poll(buf []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ready) > 0 {
		copy(buf, t.ready[0])
		t.ready = t.ready[1:]
		return true
	}
	return t.reclaim(buf)
}

func (t *ClientTransport) reclaim(buf []byte) bool {
	for {
		head, length, ok, err := t.q.PollUsed()
		if err != nil {
			t.log.Warn("virtq: reclaim used chain", "err", err)
			return false
		}
		if !ok {
			return false
		}
		f, found := t.byHead[head]
		if !found {
			t.log.Warn("virtq: used chain with no request", "head", head)
			continue
		}
		delete(t.byHead, head)
		t.freePairs = append(t.freePairs, f.pair)
		if f.noReply {
			continue
		}

		slotSize := t.q.layout.SlotSize
		if length > uint32(slotSize) {
			length = uint32(slotSize)
		}
		clear(buf[:slotSize])
		if length > 0 {
			if err := t.q.read(t.q.layout.BufferAddr(2*f.pair+1), buf[:length]); err != nil {
				t.log.Warn("virtq: read response", "head", head, "err", err)
				continue
			}
		}
		return true
	}
}

// Consumed is a no-op: response buffers travel with their request, so the
// device never waits for room.
func (t *ClientTransport) Consumed() error { return nil }

type pendingReply struct {
	head  uint16
	reply Buffer
	ok    bool
}

// ServerTransport serves rpc requests on the device side. It must be used
// by a single goroutine, as rpc.Server does.
type ServerTransport struct {
	q      *DeviceQueue
	notify ring.Notifier
	log    *slog.Logger

	pending []pendingReply
}

// NewServerTransport wraps q. notify interrupts the driver.
func NewServerTransport(q *DeviceQueue, notify ring.Notifier, logger *slog.Logger) *ServerTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerTransport{q: q, notify: notify, log: logger}
}

func (t *ServerTransport) SlotSize() int { return t.q.layout.SlotSize }

func (t *ServerTransport) HasPending() bool {
	ok, err := t.q.HasAvailable()
	if err != nil {
		t.log.Warn("virtq: read available index", "err", err)
	}
	return ok
}

// CanReply is always true: each request carries its own response buffer.
func (t *ServerTransport) CanReply() bool { return true }

func (t *ServerTransport) Poll(buf []byte) bool {
	slotSize := t.q.layout.SlotSize
next:
	for {
		head, ok, err := t.q.NextAvailable()
		if errors.Is(err, ErrDescriptor) {
			t.log.Warn("virtq: skipping avail entry", "err", err)
			continue
		}
		if err != nil {
			t.log.Warn("virtq: read available ring", "err", err)
			return false
		}
		if !ok {
			return false
		}
		chain, err := t.q.ReadChain(head)
		if err != nil {
			t.log.Warn("virtq: read chain", "head", head, "err", err)
			t.putUsed(head, 0)
			continue
		}

		clear(buf[:slotSize])
		var p pendingReply
		p.head = head
		n := 0
		for _, b := range chain {
			if b.IsWrite {
				if !p.ok {
					p.reply, p.ok = b, true
				}
				continue
			}
			// The driver picks the length; never read past the slot.
			b.Length = min(b.Length, uint32(slotSize-n))
			data, err := t.q.ReadBuffer(b)
			if err != nil {
				t.log.Warn("virtq: read request", "head", head, "err", err)
				t.putUsed(head, 0)
				continue next
			}
			n += copy(buf[n:slotSize], data)
		}

		msg, _ := rpc.ParseMessage(buf[:slotSize])
		if msg.Flags&rpc.FlagNoReply != 0 {
			t.putUsed(head, 0)
		} else {
			t.pending = append(t.pending, p)
		}
		return true
	}
}

func (t *ServerTransport) Reply(slot []byte) bool {
	if len(t.pending) == 0 {
		return false
	}
	p := t.pending[0]
	t.pending = t.pending[1:]
	var n uint32
	if p.ok {
		written, err := t.q.WriteBuffer(p.reply, slot)
		if err != nil {
			t.log.Warn("virtq: write response", "head", p.head, "err", err)
		}
		n = written
	} else {
		t.log.Warn("virtq: request has no response buffer", "head", p.head)
	}
	t.putUsed(p.head, n)
	return true
}

// Err reports a queue the driver has broken.
func (t *ServerTransport) Err() error { return t.q.Err() }

func (t *ServerTransport) Kick() error {
	need, err := t.q.NeedInterrupt()
	if err != nil {
		t.log.Warn("virtq: read interrupt suppression", "err", err)
	}
	if !need {
		return nil
	}
	return t.notify.Notify()
}

func (t *ServerTransport) putUsed(head uint16, n uint32) {
	if err := t.q.PutUsed(head, n); err != nil {
		t.log.Error("virtq: return chain", "head", head, "err", err)
	}
}
