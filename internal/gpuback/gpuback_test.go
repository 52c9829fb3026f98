package gpuback

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/tinyrange/pvz/internal/gpuif"
	"github.com/tinyrange/pvz/internal/grant"
	"github.com/tinyrange/pvz/internal/mem"
	"github.com/tinyrange/pvz/internal/pagedir"
	"github.com/tinyrange/pvz/internal/ring"
	"github.com/tinyrange/pvz/internal/rpc"
	"github.com/tinyrange/pvz/internal/shbuf"
	"github.com/tinyrange/pvz/internal/xenbus"
)

type fixture struct {
	b     *Backend
	mux   *rpc.Mux
	hv    *grant.Hypervisor
	front *grant.Table
	codec pagedir.Codec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hv := grant.NewHypervisor(64, nil)
	hv.Domain(0)
	codec, err := pagedir.New(mem.DefaultPageSize, 4)
	if err != nil {
		t.Fatalf("pagedir.New: %v", err)
	}
	b := New(Options{Mapper: hv, Self: 0, Front: 1, Store: xenbus.NewStore(nil), Codec: codec})
	return &fixture{b: b, mux: b.mux(), hv: hv, front: hv.Domain(1), codec: codec}
}

func (f *fixture) call(t *testing.T, m gpuif.Message) ([]byte, error) {
	t.Helper()
	h, ok := f.mux.Lookup(m.Op())
	if !ok {
		t.Fatalf("no handler for op %d", m.Op())
	}
	return h(context.Background(), rpc.Request{Op: m.Op(), Body: gpuif.Marshal(m)})
}

func statusOf(err error) rpc.Status { return rpc.StatusOf(err) }

func TestMalformedBody(t *testing.T) {
	f := newFixture(t)
	h, _ := f.mux.Lookup(gpuif.OpMapDevPhysHeap)
	_, err := h(context.Background(), rpc.Request{Op: gpuif.OpMapDevPhysHeap, Body: []byte{1, 2}})
	if statusOf(err) != rpc.StatusInvalid {
		t.Fatalf("short body: got %v, want StatusInvalid", err)
	}
}

func TestMapLifecycle(t *testing.T) {
	f := newFixture(t)
	target := gpuif.Target{OSID: 1, Device: 0}

	if _, err := f.call(t, gpuif.CreateDevConfigRequest{Target: target}); err != nil {
		t.Fatalf("CreateDevConfig: %v", err)
	}
	// Creating the config again returns the same one.
	body, err := f.call(t, gpuif.CreateDevConfigRequest{Target: target})
	if err != nil {
		t.Fatalf("second CreateDevConfig: %v", err)
	}
	if cfg, _ := gpuif.DecodeResponse(gpuif.OpCreateDevConfig, body); cfg.(gpuif.DevConfig).Cores != 2 {
		t.Fatalf("config = %+v", cfg)
	}
	if _, err := f.call(t, gpuif.CreateDevPhysHeapsRequest{Target: target, Count: 2}); err != nil {
		t.Fatalf("CreateDevPhysHeaps: %v", err)
	}
	if _, err := f.call(t, gpuif.CreateDevPhysHeapsRequest{Target: target, Count: 1}); statusOf(err) != rpc.StatusExists {
		t.Fatalf("second CreateDevPhysHeaps: got %v, want StatusExists", err)
	}

	buf, err := shbuf.Create(shbuf.Config{
		Granter: f.front,
		Alloc:   mem.NewHeapAllocator(mem.DefaultPageSize, 0),
		Codec:   f.codec,
	}, 2*mem.DefaultPageSize, 0)
	if err != nil {
		t.Fatalf("shbuf.Create: %v", err)
	}
	req := gpuif.MapDevPhysHeapRequest{Target: target, Heap: 1, Pages: 2, First: uint64(buf.FirstHandle())}
	if _, err := f.call(t, req); err != nil {
		t.Fatalf("MapDevPhysHeap: %v", err)
	}
	if _, ok := f.b.Heap(1, 0, 1); !ok {
		t.Fatalf("heap 1 not mapped")
	}
	if err := buf.Destroy(); !errors.Is(err, grant.ErrInUse) {
		t.Fatalf("Destroy while mapped: got %v, want ErrInUse", err)
	}

	// A chain that claims more pages than it holds is rejected.
	buf2, _ := shbuf.Create(shbuf.Config{
		Granter: f.front,
		Alloc:   mem.NewHeapAllocator(mem.DefaultPageSize, 0),
		Codec:   f.codec,
	}, mem.DefaultPageSize, 0)
	defer buf2.Destroy()
	bad := gpuif.MapDevPhysHeapRequest{Target: target, Heap: 0, Pages: 2, First: uint64(buf2.FirstHandle())}
	if _, err := f.call(t, bad); statusOf(err) != rpc.StatusInvalid {
		t.Fatalf("truncated chain: got %v, want StatusInvalid", err)
	}

	if _, err := f.call(t, gpuif.DestroyDevConfigRequest{Target: target}); err != nil {
		t.Fatalf("DestroyDevConfig: %v", err)
	}
	if _, ok := f.b.Heap(1, 0, 1); ok {
		t.Fatalf("heap still mapped after DestroyDevConfig")
	}
	if _, err := f.call(t, gpuif.DestroyDevConfigRequest{Target: target}); statusOf(err) != rpc.StatusNotFound {
		t.Fatalf("second DestroyDevConfig: got %v, want StatusNotFound", err)
	}
}

func TestClearInstanceScope(t *testing.T) {
	f := newFixture(t)
	for _, osid := range []gpuif.OSID{1, 2} {
		if _, err := f.call(t, gpuif.CreateDevConfigRequest{Target: gpuif.Target{OSID: osid}}); err != nil {
			t.Fatalf("CreateDevConfig(%d): %v", osid, err)
		}
	}
	if _, err := f.call(t, gpuif.ClearInstanceRequest{OSID: 1}); err != nil {
		t.Fatalf("ClearInstance: %v", err)
	}
	if f.b.Instances() != 1 {
		t.Fatalf("Instances = %d, want 1", f.b.Instances())
	}
}

func TestStaticDevices(t *testing.T) {
	d := DefaultDevices()
	if _, err := d.DevConfig(1, 5); statusOf(err) != rpc.StatusNotFound {
		t.Fatalf("unknown device: %v", err)
	}
	heaps, err := d.PhysHeaps(1, 0, 1)
	if err != nil || len(heaps) != 1 {
		t.Fatalf("PhysHeaps = %v, %v", heaps, err)
	}
	heaps[0].Size = 0
	if again, _ := d.PhysHeaps(1, 0, 1); again[0].Size == 0 {
		t.Fatalf("PhysHeaps returned the device table itself")
	}
}

func TestConnectRejectsBadRecord(t *testing.T) {
	layout := ring.Layout{Capacity: 4, SlotSize: 128}
	good := xenbus.Connection{
		Version:   gpuif.Version,
		RingRef:   1,
		RingPages: uint32(ring.PagesFor(layout, mem.DefaultPageSize)),
		Capacity:  layout.Capacity,
		SlotSize:  uint32(layout.SlotSize),
		Domain:    1,
	}
	for _, tc := range []struct {
		name   string
		mutate func(c *xenbus.Connection)
	}{
		{"HugePageCount", func(c *xenbus.Connection) { c.RingPages = math.MaxUint32 }},
		{"PageCountMismatch", func(c *xenbus.Connection) { c.RingPages++ }},
		{"WideRingRef", func(c *xenbus.Connection) { c.RingRef = 1 << 40 }},
		{"ZeroRingRef", func(c *xenbus.Connection) { c.RingRef = 0 }},
		{"BadLayout", func(c *xenbus.Connection) { c.Capacity = 3 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.b.opts.FrontDir, f.b.opts.BackDir = "device/gpu/0", "backend/gpu/0"
			store := f.b.opts.Store

			conn := good
			tc.mutate(&conn)
			if err := store.SetState(f.b.opts.FrontDir, xenbus.StateInitialising); err != nil {
				t.Fatalf("SetState: %v", err)
			}
			if err := store.PublishConnection(f.b.opts.FrontDir, conn); err != nil {
				t.Fatalf("PublishConnection: %v", err)
			}
			if err := store.SetState(f.b.opts.FrontDir, xenbus.StateInitialised); err != nil {
				t.Fatalf("SetState: %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := f.b.Connect(ctx)
			if tc.name == "BadLayout" {
				if !errors.Is(err, ring.ErrLayout) {
					t.Fatalf("Connect: %v, want ErrLayout", err)
				}
			} else if !errors.Is(err, ErrBadConnection) {
				t.Fatalf("Connect: %v, want ErrBadConnection", err)
			}
			if st, _ := store.State(f.b.opts.BackDir); st != xenbus.StateClosing {
				t.Fatalf("backend state = %v, want Closing", st)
			}
		})
	}
}
