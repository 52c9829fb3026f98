// Package gpuback is the GPU backend: it imports the ring a frontend
// shares, serves its requests and tracks what each guest instance has
// configured and mapped.
package gpuback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/pvz/internal/evtchn"
	"github.com/tinyrange/pvz/internal/gpuif"
	"github.com/tinyrange/pvz/internal/grant"
	"github.com/tinyrange/pvz/internal/mem"
	"github.com/tinyrange/pvz/internal/pagedir"
	"github.com/tinyrange/pvz/internal/ring"
	"github.com/tinyrange/pvz/internal/rpc"
	"github.com/tinyrange/pvz/internal/shbuf"
	"github.com/tinyrange/pvz/internal/xenbus"
)

// ErrBadConnection is returned by Connect when the frontend's connection
// record is inconsistent.
var ErrBadConnection = errors.New("gpuback: bad connection record")

// Options configures a Backend.
type Options struct {
	Mapper grant.Mapper
	// Self is the backend's domain.
	Self grant.DomID
	// Front is the frontend's domain.
	Front grant.DomID

	Store    *xenbus.Store
	Bus      *evtchn.Bus
	FrontDir string
	BackDir  string

	Devices DeviceBackend
	Codec   pagedir.Codec
	// Auth verifies chain tags when set. Both ends must agree on the key.
	Auth    *pagedir.Authenticator
	Version string

	Logger *slog.Logger
}

type instanceKey struct {
	osid gpuif.OSID
	dev  gpuif.DeviceID
}

type instance struct {
	config gpuif.DevConfig
	heaps  map[uint32]gpuif.HeapInfo
	mapped map[uint32]*shbuf.Mapping
}

// Backend serves one frontend.
type Backend struct {
	opts Options
	log  *slog.Logger

	ring    *shbuf.Mapping
	port    *evtchn.Endpoint
	server  *rpc.Server
	version string

	mu        sync.Mutex
	instances map[instanceKey]*instance
}

func New(opts Options) *Backend {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Devices == nil {
		opts.Devices = DefaultDevices()
	}
	if opts.Version == "" {
		opts.Version = gpuif.Version
	}
	return &Backend{
		opts:      opts,
		log:       log.With("component", "gpuback", "front", opts.Front),
		instances: make(map[instanceKey]*instance),
	}
}

func (b *Backend) mux() *rpc.Mux {
	m := rpc.NewMux()
	m.Handle(gpuif.OpCreateDevConfig, b.handle(b.createDevConfig))
	m.Handle(gpuif.OpDestroyDevConfig, b.handle(b.destroyDevConfig))
	m.Handle(gpuif.OpCreateDevPhysHeaps, b.handle(b.createDevPhysHeaps))
	m.Handle(gpuif.OpDestroyDevPhysHeaps, b.handle(b.destroyDevPhysHeaps))
	m.Handle(gpuif.OpMapDevPhysHeap, b.handle(b.mapDevPhysHeap))
	m.Handle(gpuif.OpUnmapDevPhysHeap, b.handle(b.unmapDevPhysHeap))
	m.Handle(gpuif.OpClearInstance, b.handle(b.clearInstance))
	return m
}

type typedHandler func(ctx context.Context, req gpuif.Message) (gpuif.Message, error)

func (b *Backend) handle(h typedHandler) rpc.Handler {
	return func(ctx context.Context, req rpc.Request) ([]byte, error) {
		msg, err := gpuif.DecodeRequest(req.Op, req.Body)
		if err != nil {
			return nil, rpc.Errorf(rpc.StatusInvalid, "%v", err)
		}
		resp, err := h(ctx, msg)
		if err != nil {
			return nil, err
		}
		return gpuif.Marshal(resp), nil
	}
}

// Connect waits for the frontend to publish its ring, checks the protocol
// version and maps the ring.
func (b *Backend) Connect(ctx context.Context) error {
	store := b.opts.Store
	if err := store.SetState(b.opts.BackDir, xenbus.StateInitialising); err != nil {
		return err
	}
	if err := store.SetState(b.opts.BackDir, xenbus.StateInitWait); err != nil {
		return err
	}
	if _, err := store.WaitState(ctx, b.opts.FrontDir, xenbus.StateInitialised, xenbus.StateConnected); err != nil {
		return fmt.Errorf("gpuback: wait for frontend: %w", err)
	}

	conn, err := store.ReadConnection(b.opts.FrontDir)
	if err != nil {
		return fmt.Errorf("gpuback: %w", err)
	}
	if err := xenbus.Compatible(conn.Version, b.opts.Version); err != nil {
		store.SetState(b.opts.BackDir, xenbus.StateClosing)
		return fmt.Errorf("gpuback: %w", err)
	}

	layout, first, err := b.checkConnection(conn)
	if err != nil {
		store.SetState(b.opts.BackDir, xenbus.StateClosing)
		return fmt.Errorf("gpuback: %w", err)
	}

	var tag pagedir.Tag
	copy(tag[:], conn.RingTag)
	m, err := shbuf.Import(b.importConfig(true), first, int(conn.RingPages), tag)
	if err != nil {
		return fmt.Errorf("gpuback: map ring: %w", err)
	}
	v, err := m.Vector()
	if err != nil {
		m.Close()
		return fmt.Errorf("gpuback: %w", err)
	}
	ch, err := ring.NewChannel(v, layout)
	if err != nil {
		m.Close()
		return fmt.Errorf("gpuback: %w", err)
	}
	port, err := b.opts.Bus.BindInterdomain(evtchn.Port(conn.Port))
	if err != nil {
		m.Close()
		return fmt.Errorf("gpuback: bind event channel: %w", err)
	}

	b.ring = m
	b.port = port
	b.version = conn.Version
	b.server = rpc.NewServer(rpc.NewRingServer(ch, port), b.mux(), b.log)
	b.log.Info("gpuback: connected", "version", conn.Version, "ring_pages", conn.RingPages, "capacity", conn.Capacity)
	return store.SetState(b.opts.BackDir, xenbus.StateConnected)
}

// checkConnection bounds every peer-supplied field of conn before any of
// them sizes a mapping.
func (b *Backend) checkConnection(conn xenbus.Connection) (ring.Layout, grant.Ref, error) {
	layout := ring.Layout{Capacity: conn.Capacity, SlotSize: int(conn.SlotSize)}
	if err := layout.Validate(); err != nil {
		return ring.Layout{}, 0, err
	}
	if want := ring.PagesFor(layout, b.opts.Codec.PageSize); int64(conn.RingPages) != int64(want) {
		return ring.Layout{}, 0, fmt.Errorf("%w: ring of %d pages, layout needs %d", ErrBadConnection, conn.RingPages, want)
	}
	if conn.RingRef == 0 || conn.RingRef > uint64(^grant.Ref(0)) {
		return ring.Layout{}, 0, fmt.Errorf("%w: ring ref %d out of range", ErrBadConnection, conn.RingRef)
	}
	return layout, grant.Ref(conn.RingRef), nil
}

// Serve handles requests until ctx is done.
func (b *Backend) Serve(ctx context.Context) error {
	if b.server == nil {
		return errors.New("gpuback: not connected")
	}
	// Requests posted before the first notification are picked up here.
	b.server.Drain(ctx)
	err := b.server.Serve(ctx, b.port)
	if errors.Is(err, context.Canceled) || errors.Is(err, evtchn.ErrClosed) {
		return nil
	}
	return err
}

// Server exposes the request counters.
func (b *Backend) Server() *rpc.Server { return b.server }

// Close unmaps every heap and the ring.
func (b *Backend) Close() error {
	b.opts.Store.SetState(b.opts.BackDir, xenbus.StateClosing)
	b.mu.Lock()
	var errs []error
	for key, inst := range b.instances {
		errs = append(errs, b.unmapAll(key, inst))
	}
	b.instances = make(map[instanceKey]*instance)
	b.mu.Unlock()

	if b.port != nil {
		b.port.Close()
	}
	if b.ring != nil {
		errs = append(errs, b.ring.Close())
		b.ring = nil
	}
	b.opts.Store.SetState(b.opts.BackDir, xenbus.StateClosed)
	return errors.Join(errs...)
}

func (b *Backend) importConfig(write bool) shbuf.ImportConfig {
	return shbuf.ImportConfig{
		Mapper: b.opts.Mapper,
		Self:   b.opts.Self,
		Owner:  b.opts.Front,
		Codec:  b.opts.Codec,
		Write:  write,
		Auth:   b.opts.Auth,
		Logger: b.log,
	}
}

// Heap returns the memory backing a mapped heap.
func (b *Backend) Heap(osid gpuif.OSID, dev gpuif.DeviceID, heap uint32) (*mem.Vector, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[instanceKey{osid, dev}]
	if !ok {
		return nil, false
	}
	m, ok := inst.mapped[heap]
	if !ok {
		return nil, false
	}
	v, err := m.Vector()
	if err != nil {
		return nil, false
	}
	return v, true
}

// Instances is the number of (instance, device) pairs with a configuration.
func (b *Backend) Instances() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.instances)
}

// unmapAll is called with b.mu held.
func (b *Backend) unmapAll(key instanceKey, inst *instance) error {
	var errs []error
	for id, m := range inst.mapped {
		if err := m.Close(); err != nil {
			b.log.Warn("gpuback: unmap heap", "osid", key.osid, "device", key.dev, "heap", id, "err", err)
			errs = append(errs, err)
		}
		delete(inst.mapped, id)
	}
	return errors.Join(errs...)
}
