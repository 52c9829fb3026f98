package virtq

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/pvz/internal/evtchn"
	"github.com/tinyrange/pvz/internal/mem"
	"github.com/tinyrange/pvz/internal/rpc"
)

func newMemory(t *testing.T, l Layout) *LockedMemory {
	t.Helper()
	n := int((l.Bytes() + mem.DefaultPageSize - 1) / mem.DefaultPageSize)
	pages, err := mem.NewHeapAllocator(mem.DefaultPageSize, 0).Alloc(n)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	v, err := mem.NewVector(pages)
	if err != nil {
		t.Fatalf("NewVector: %v", err)
	}
	return NewLockedMemory(v)
}

func newPair(t *testing.T, l Layout) (*DriverQueue, *DeviceQueue, *LockedMemory) {
	t.Helper()
	m := newMemory(t, l)
	drv, err := NewDriverQueue(m, l)
	if err != nil {
		t.Fatalf("NewDriverQueue: %v", err)
	}
	dev, err := NewDeviceQueue(m, l)
	if err != nil {
		t.Fatalf("NewDeviceQueue: %v", err)
	}
	return drv, dev, m
}

func TestLayoutValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		l    Layout
		ok   bool
	}{
		{"valid", Layout{Size: 8, SlotSize: 64}, true},
		{"zero size", Layout{Size: 0, SlotSize: 64}, false},
		{"not power of two", Layout{Size: 6, SlotSize: 64}, false},
		{"odd slot", Layout{Size: 8, SlotSize: 60}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.l.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrLayout) {
				t.Fatalf("Validate: got %v, want ErrLayout", err)
			}
		})
	}

	l := Layout{Size: 4, SlotSize: 64}
	if l.usedAddr()%4 != 0 || l.bufAddr()%16 != 0 {
		t.Fatalf("misaligned rings: used %#x bufs %#x", l.usedAddr(), l.bufAddr())
	}
	if got := l.BufferAddr(3) + 64; int64(got) != l.Bytes() {
		t.Fatalf("last buffer ends at %#x, region is %#x", got, l.Bytes())
	}
}

func TestChainRoundTrip(t *testing.T) {
	l := Layout{Size: 8, SlotSize: 32}
	drv, dev, m := newPair(t, l)

	m.WriteAt([]byte("hello"), int64(l.BufferAddr(0)))
	m.WriteAt([]byte(" world"), int64(l.BufferAddr(1)))
	out := []Buffer{{Addr: l.BufferAddr(0), Length: 5}, {Addr: l.BufferAddr(1), Length: 6}}
	in := []Buffer{{Addr: l.BufferAddr(2), Length: 32}}

	head, err := drv.AddChain(out, in)
	if err != nil {
		t.Fatalf("AddChain: %v", err)
	}
	if drv.NumFree() != 5 {
		t.Fatalf("NumFree = %d, want 5", drv.NumFree())
	}

	got, ok, err := dev.NextAvailable()
	if err != nil || !ok || got != head {
		t.Fatalf("NextAvailable = %d, %v, %v; want head %d", got, ok, err, head)
	}
	chain, err := dev.ReadChain(head)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if len(chain) != 3 || chain[0].IsWrite || chain[1].IsWrite || !chain[2].IsWrite {
		t.Fatalf("chain = %+v", chain)
	}
	var req []byte
	for _, b := range chain[:2] {
		data, err := dev.ReadBuffer(b)
		if err != nil {
			t.Fatalf("ReadBuffer: %v", err)
		}
		req = append(req, data...)
	}
	if string(req) != "hello world" {
		t.Fatalf("request = %q", req)
	}
	if _, err := dev.WriteBuffer(chain[0], []byte("x")); err == nil {
		t.Fatalf("WriteBuffer into a device-readable buffer succeeded")
	}
	n, err := dev.WriteBuffer(chain[2], []byte("HELLO WORLD"))
	if err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	if err := dev.PutUsed(head, n); err != nil {
		t.Fatalf("PutUsed: %v", err)
	}

	usedHead, length, ok, err := drv.PollUsed()
	if err != nil || !ok || usedHead != head || length != 11 {
		t.Fatalf("PollUsed = %d, %d, %v, %v", usedHead, length, ok, err)
	}
	resp := make([]byte, length)
	m.ReadAt(resp, int64(l.BufferAddr(2)))
	if string(resp) != "HELLO WORLD" {
		t.Fatalf("response = %q", resp)
	}
	if drv.NumFree() != 8 || drv.Outstanding() != 0 {
		t.Fatalf("descriptors not reclaimed: free %d outstanding %d", drv.NumFree(), drv.Outstanding())
	}
	if _, _, ok, _ := drv.PollUsed(); ok {
		t.Fatalf("PollUsed on empty used ring returned a chain")
	}
}

func TestQueueFull(t *testing.T) {
	l := Layout{Size: 4, SlotSize: 16}
	drv, _, _ := newPair(t, l)
	b := Buffer{Addr: l.BufferAddr(0), Length: 16}
	if _, err := drv.AddChain([]Buffer{b, b, b}, nil); err != nil {
		t.Fatalf("AddChain: %v", err)
	}
	if _, err := drv.AddChain([]Buffer{b, b}, nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("AddChain beyond free descriptors: got %v, want ErrQueueFull", err)
	}
	if drv.NumFree() != 1 {
		t.Fatalf("failed AddChain consumed descriptors: %d free", drv.NumFree())
	}
}

func TestIndexWraparound(t *testing.T) {
	l := Layout{Size: 4, SlotSize: 16}
	drv, dev, _ := newPair(t, l)
	b := []Buffer{{Addr: l.BufferAddr(0), Length: 8}}
	for i := 0; i < 70000; i++ {
		head, err := drv.AddChain(b, nil)
		if err != nil {
			t.Fatalf("round %d: AddChain: %v", i, err)
		}
		got, ok, err := dev.NextAvailable()
		if err != nil || !ok || got != head {
			t.Fatalf("round %d: NextAvailable = %d, %v, %v", i, got, ok, err)
		}
		if err := dev.PutUsed(head, uint32(i)); err != nil {
			t.Fatalf("round %d: PutUsed: %v", i, err)
		}
		_, length, ok, err := drv.PollUsed()
		if err != nil || !ok || length != uint32(i) {
			t.Fatalf("round %d: PollUsed = %d, %v, %v", i, length, ok, err)
		}
	}
}

func TestChainLoop(t *testing.T) {
	l := Layout{Size: 4, SlotSize: 16}
	drv, dev, _ := newPair(t, l)
	head, err := drv.AddChain([]Buffer{{Addr: l.BufferAddr(0), Length: 4}, {Addr: l.BufferAddr(1), Length: 4}}, nil)
	if err != nil {
		t.Fatalf("AddChain: %v", err)
	}
	// Point the second descriptor back at the head.
	second := drv.chains[head][1]
	drv.writeDescriptor(second, Descriptor{Addr: l.BufferAddr(1), Length: 4, Flags: descFNext, Next: head})

	dev.NextAvailable()
	if _, err := dev.ReadChain(head); !errors.Is(err, ErrChainLoop) {
		t.Fatalf("ReadChain on loop: got %v, want ErrChainLoop", err)
	}
	if _, err := dev.ReadChain(l.Size); !errors.Is(err, ErrDescriptor) {
		t.Fatalf("ReadChain out of range: got %v, want ErrDescriptor", err)
	}
}

func TestUnknownUsedID(t *testing.T) {
	l := Layout{Size: 4, SlotSize: 16}
	drv, dev, _ := newPair(t, l)
	if err := dev.PutUsed(3, 0); err != nil {
		t.Fatalf("PutUsed: %v", err)
	}
	if _, _, _, err := drv.PollUsed(); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("PollUsed: got %v, want ErrUnknownID", err)
	}
}

func TestNotificationSuppression(t *testing.T) {
	l := Layout{Size: 4, SlotSize: 16}
	drv, dev, _ := newPair(t, l)

	if need, _ := drv.NeedKick(); !need {
		t.Fatalf("fresh queue suppresses kicks")
	}
	dev.SuppressKicks(true)
	if need, _ := drv.NeedKick(); need {
		t.Fatalf("NeedKick ignores suppression")
	}
	dev.SuppressKicks(false)
	if need, _ := drv.NeedKick(); !need {
		t.Fatalf("NeedKick after re-enabling")
	}

	if need, _ := dev.NeedInterrupt(); !need {
		t.Fatalf("fresh queue suppresses interrupts")
	}
	drv.SuppressInterrupts(true)
	if need, _ := dev.NeedInterrupt(); need {
		t.Fatalf("NeedInterrupt ignores suppression")
	}
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Notify() error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return nil
}

func TestTransportsDirect(t *testing.T) {
	l := Layout{Size: 4, SlotSize: 64}
	drv, dev, _ := newPair(t, l)
	kicks, irqs := &countingNotifier{}, &countingNotifier{}
	ct := NewClientTransport(drv, kicks, nil)
	st := NewServerTransport(dev, irqs, nil)

	slot := make([]byte, 64)
	for id := uint64(1); id <= 2; id++ {
		(&rpc.Message{ID: id, Op: 5, Body: []byte("req")}).MarshalTo(slot)
		if !ct.Post(slot) {
			t.Fatalf("Post %d failed", id)
		}
	}
	if ct.Post(slot) {
		t.Fatalf("Post succeeded with every descriptor pair in use")
	}
	ct.Kick()
	if kicks.n != 1 {
		t.Fatalf("kicks = %d", kicks.n)
	}

	buf := make([]byte, 64)
	for id := uint64(1); id <= 2; id++ {
		if !st.HasPending() || !st.Poll(buf) {
			t.Fatalf("server missed request %d", id)
		}
		req, err := rpc.ParseMessage(buf)
		if err != nil || req.ID != id || string(req.Body) != "req" {
			t.Fatalf("request = %+v, %v", req, err)
		}
	}
	// Answer in order; the transport pairs replies with heads FIFO.
	for id := uint64(1); id <= 2; id++ {
		(&rpc.Message{ID: id, Op: 5, Body: []byte("resp")}).MarshalTo(slot)
		if !st.Reply(slot) {
			t.Fatalf("Reply %d rejected", id)
		}
	}
	if st.Reply(slot) {
		t.Fatalf("Reply accepted with no request outstanding")
	}
	st.Kick()

	for id := uint64(1); id <= 2; id++ {
		if !ct.Poll(buf) {
			t.Fatalf("client missed response %d", id)
		}
		resp, err := rpc.ParseMessage(buf)
		if err != nil || resp.ID != id || !bytes.Equal(resp.Body, []byte("resp")) {
			t.Fatalf("response = %+v, %v", resp, err)
		}
	}
	if drv.NumFree() != 4 {
		t.Fatalf("descriptors leaked: %d free", drv.NumFree())
	}
}

func TestNoReplyRecyclesChain(t *testing.T) {
	l := Layout{Size: 2, SlotSize: 64}
	drv, dev, _ := newPair(t, l)
	ct := NewClientTransport(drv, &countingNotifier{}, nil)
	st := NewServerTransport(dev, &countingNotifier{}, nil)

	slot := make([]byte, 64)
	buf := make([]byte, 64)
	for i := 0; i < 3; i++ {
		(&rpc.Message{ID: uint64(i + 1), Op: 9, Flags: rpc.FlagNoReply}).MarshalTo(slot)
		if !ct.Post(slot) {
			t.Fatalf("Post %d failed: chain was not recycled", i)
		}
		if !st.Poll(buf) {
			t.Fatalf("server missed request %d", i)
		}
		if st.Reply(slot) {
			t.Fatalf("fire-and-forget request is awaiting a reply")
		}
		if ct.Poll(buf) {
			t.Fatalf("client received a response to a fire-and-forget request")
		}
	}
}

func TestPostReclaimsWithoutPoll(t *testing.T) {
	l := Layout{Size: 2, SlotSize: 64}
	drv, dev, _ := newPair(t, l)
	ct := NewClientTransport(drv, &countingNotifier{}, nil)
	st := NewServerTransport(dev, &countingNotifier{}, nil)

	slot := make([]byte, 64)
	buf := make([]byte, 64)
	(&rpc.Message{ID: 1, Op: 9}).MarshalTo(slot)
	if !ct.Post(slot) {
		t.Fatal("Post failed on an empty queue")
	}
	st.Poll(buf)
	st.Reply(slot)

	// The only pair is waiting in the used ring; Post must park the
	// response and reuse the pair.
	(&rpc.Message{ID: 2, Op: 9, Flags: rpc.FlagNoReply}).MarshalTo(slot)
	if !ct.Post(slot) {
		t.Fatal("Post did not reclaim the used chain")
	}
	st.Poll(buf)
	(&rpc.Message{ID: 3, Op: 9, Flags: rpc.FlagNoReply}).MarshalTo(slot)
	if !ct.Post(slot) {
		t.Fatal("Post did not reclaim the no-reply chain")
	}

	if !ct.Poll(buf) {
		t.Fatal("parked response was lost")
	}
	if msg, err := rpc.ParseMessage(buf); err != nil || msg.ID != 1 {
		t.Fatalf("parked response = %+v, %v", msg, err)
	}
	if ct.Poll(buf) {
		t.Fatal("extra response")
	}
}

func TestRPCOverVirtqueue(t *testing.T) {
	l := Layout{Size: 16, SlotSize: 64}
	drv, dev, _ := newPair(t, l)

	bus := evtchn.NewBus(nil)
	front := bus.AllocUnbound()
	back, err := bus.BindInterdomain(front.Port())
	if err != nil {
		t.Fatalf("BindInterdomain: %v", err)
	}

	mux := rpc.NewMux()
	mux.Handle(1, func(ctx context.Context, req rpc.Request) ([]byte, error) {
		v := binary.LittleEndian.Uint64(req.Body)
		return binary.LittleEndian.AppendUint64(nil, v*2), nil
	})
	client := rpc.NewClient(NewClientTransport(drv, front, nil), rpc.ClientOptions{Timeout: 10 * time.Second})
	server := rpc.NewServer(NewServerTransport(dev, back, nil), mux, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); client.Run(ctx, front) }()
	go func() { defer wg.Done(); server.Serve(ctx, back) }()
	defer func() {
		cancel()
		wg.Wait()
	}()

	var callers sync.WaitGroup
	for w := 0; w < 4; w++ {
		callers.Add(1)
		go func(w int) {
			defer callers.Done()
			for i := 0; i < 100; i++ {
				v := uint64(w*1000 + i)
				resp, err := client.Call(context.Background(), 1, binary.LittleEndian.AppendUint64(nil, v))
				if err != nil {
					t.Errorf("Call(%d): %v", v, err)
					return
				}
				if got := binary.LittleEndian.Uint64(resp.Body); got != v*2 {
					t.Errorf("Call(%d) = %d", v, got)
					return
				}
			}
		}(w)
	}
	callers.Wait()
	if client.Mismatched() != 0 {
		t.Fatalf("Mismatched = %d", client.Mismatched())
	}
}

// stepEvents fires one notification and then waits for ctx.
type stepEvents struct{}

func (stepEvents) Serve(ctx context.Context, fn func()) error {
	fn()
	<-ctx.Done()
	return ctx.Err()
}

func drainWithin(t *testing.T, srv *rpc.Server, d time.Duration) int {
	t.Helper()
	done := make(chan int, 1)
	go func() { done <- srv.Drain(context.Background()) }()
	select {
	case n := <-done:
		return n
	case <-time.After(d):
		t.Fatalf("Drain did not return within %v", d)
		return 0
	}
}

func TestBadAvailHeadIsSkipped(t *testing.T) {
	l := Layout{Size: 4, SlotSize: 64}
	drv, dev, m := newPair(t, l)
	ct := NewClientTransport(drv, &countingNotifier{}, nil)
	st := NewServerTransport(dev, &countingNotifier{}, nil)
	srv := rpc.NewServer(st, rpc.NewMux(), nil)

	slot := make([]byte, 64)
	(&rpc.Message{ID: 1, Op: rpc.OpHeartbeat}).MarshalTo(slot)
	if !ct.Post(slot) {
		t.Fatal("Post failed")
	}
	// The driver appends an entry naming a head outside the queue.
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], 0xffff)
	m.WriteAt(b[:], int64(l.availAddr()+4+2))
	binary.LittleEndian.PutUint16(b[:], 2)
	m.WriteAt(b[:], int64(l.availAddr()+2))

	if n := drainWithin(t, srv, 2*time.Second); n != 1 {
		t.Fatalf("Drain replied %d times, want 1", n)
	}
	if ok, err := dev.HasAvailable(); ok || err != nil {
		t.Fatalf("HasAvailable = %v, %v after skipping the bad entry", ok, err)
	}
	if st.Err() != nil {
		t.Fatalf("Err = %v; a bad head alone does not break the queue", st.Err())
	}
}

func TestAvailIndexOverflowBreaksQueue(t *testing.T) {
	l := Layout{Size: 4, SlotSize: 64}
	_, dev, m := newPair(t, l)
	st := NewServerTransport(dev, &countingNotifier{}, nil)
	srv := rpc.NewServer(st, rpc.NewMux(), nil)

	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], l.Size+1)
	m.WriteAt(b[:], int64(l.availAddr()+2))

	if n := drainWithin(t, srv, 2*time.Second); n != 0 {
		t.Fatalf("Drain replied %d times on a broken queue", n)
	}
	if !errors.Is(st.Err(), ErrBroken) {
		t.Fatalf("Err = %v, want ErrBroken", st.Err())
	}
	if st.HasPending() {
		t.Fatal("broken queue still reports pending requests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Serve(ctx, stepEvents{}); !errors.Is(err, ErrBroken) {
		t.Fatalf("Serve = %v, want ErrBroken", err)
	}
}

func TestUnreadableRequestReturnsChain(t *testing.T) {
	l := Layout{Size: 4, SlotSize: 64}
	drv, dev, _ := newPair(t, l)
	st := NewServerTransport(dev, &countingNotifier{}, nil)

	out := Buffer{Addr: uint64(l.Bytes()) + 1<<20, Length: 1 << 30}
	in := Buffer{Addr: l.BufferAddr(1), Length: 64, IsWrite: true}
	head, err := drv.AddChain([]Buffer{out}, []Buffer{in})
	if err != nil {
		t.Fatalf("AddChain: %v", err)
	}

	buf := make([]byte, 64)
	if st.Poll(buf) {
		t.Fatal("Poll dispatched a request it could not read")
	}
	if st.HasPending() {
		t.Fatal("unreadable request still pending")
	}
	got, n, ok, err := drv.PollUsed()
	if err != nil || !ok || got != head || n != 0 {
		t.Fatalf("PollUsed = %d, %d, %v, %v; want head %d returned empty", got, n, ok, err, head)
	}
}
