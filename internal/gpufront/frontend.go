// Package gpufront is the GPU frontend. It shares a request ring with the
// backend, publishes where to find it, and turns typed calls into ring
// requests.
package gpufront

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

// ErrHeapCount is returned when the backend answers CreateDevPhysHeaps
// with a different number of heaps than requested.
var ErrHeapCount = errors.New("gpufront: heap count mismatch")

// Options configures a Frontend.
type Options struct {
	Granter shbuf.Granter
	Alloc   mem.Allocator
	// Backend is the domain serving this frontend.
	Backend grant.DomID

	Store    *xenbus.Store
	Bus      *evtchn.Bus
	FrontDir string
	BackDir  string

	Codec pagedir.Codec
	Auth  *pagedir.Authenticator
	Ring  ring.Layout
	RPC   rpc.ClientOptions

	Version string
	Logger  *slog.Logger
}

// Frontend is connected to one backend.
type Frontend struct {
	opts Options
	log  *slog.Logger

	ring   *shbuf.Buffer
	port   *evtchn.Endpoint
	client *rpc.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	heaps map[*Heap]struct{}
}

// New allocates and shares the ring and publishes the connection record.
// The frontend is usable once Connect returns.
func New(opts Options) (*Frontend, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "gpufront", "back", opts.Backend)
	if opts.Version == "" {
		opts.Version = gpuif.Version
	}
	if err := opts.Ring.Validate(); err != nil {
		return nil, fmt.Errorf("gpufront: %w", err)
	}
	if err := opts.Store.SetState(opts.FrontDir, xenbus.StateInitialising); err != nil {
		return nil, err
	}

	cfg := shbuf.Config{Granter: opts.Granter, Alloc: opts.Alloc, Codec: opts.Codec, Auth: opts.Auth, Logger: log}
	buf, err := shbuf.Create(cfg, int(ring.ChannelSize(opts.Ring)), opts.Backend)
	if err != nil {
		return nil, fmt.Errorf("gpufront: share ring: %w", err)
	}
	v, err := buf.Vector()
	if err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("gpufront: %w", err)
	}
	ch, err := ring.NewChannel(v, opts.Ring)
	if err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("gpufront: %w", err)
	}
	ch.Reset()

	port := opts.Bus.AllocUnbound()
	if opts.RPC.Logger == nil {
		opts.RPC.Logger = log
	}
	f := &Frontend{
		opts:   opts,
		log:    log,
		ring:   buf,
		port:   port,
		client: rpc.NewClient(rpc.NewRingClient(ch, port), opts.RPC),
		heaps:  make(map[*Heap]struct{}),
	}

	tag, _ := buf.Tag()
	conn := xenbus.Connection{
		Version:   opts.Version,
		RingRef:   uint64(buf.FirstHandle()),
		RingPages: uint32(buf.NumPages()),
		Port:      uint32(port.Port()),
		Capacity:  opts.Ring.Capacity,
		SlotSize:  uint32(opts.Ring.SlotSize),
		Domain:    uint16(opts.Granter.Dom()),
	}
	if opts.Auth != nil {
		conn.RingTag = tag[:]
	}
	if err := opts.Store.PublishConnection(opts.FrontDir, conn); err != nil {
		f.teardown()
		return nil, fmt.Errorf("gpufront: %w", err)
	}
	if err := opts.Store.SetState(opts.FrontDir, xenbus.StateInitialised); err != nil {
		f.teardown()
		return nil, err
	}
	return f, nil
}

// Connect waits for the backend to map the ring and starts response
// handling.
func (f *Frontend) Connect(ctx context.Context) error {
	st, err := f.opts.Store.WaitState(ctx, f.opts.BackDir, xenbus.StateConnected, xenbus.StateClosing, xenbus.StateClosed)
	if err != nil {
		return fmt.Errorf("gpufront: wait for backend: %w", err)
	}
	if st != xenbus.StateConnected {
		return fmt.Errorf("gpufront: backend went to %s", st)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.client.Run(runCtx, f.port); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, evtchn.ErrClosed) {
			f.log.Warn("gpufront: response loop stopped", "err", err)
		}
	}()
	f.log.Info("gpufront: connected")
	return f.opts.Store.SetState(f.opts.FrontDir, xenbus.StateConnected)
}

// Client exposes the underlying rpc client.
func (f *Frontend) Client() *rpc.Client { return f.client }

// Close fails outstanding calls, unshares any heaps still mapped and the
// ring.
func (f *Frontend) Close() error {
	f.opts.Store.SetState(f.opts.FrontDir, xenbus.StateClosing)
	f.client.Close()
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()

	f.mu.Lock()
	var errs []error
	for h := range f.heaps {
		errs = append(errs, h.buf.Destroy())
	}
	f.heaps = make(map[*Heap]struct{})
	f.mu.Unlock()

	errs = append(errs, f.teardown())
	f.opts.Store.SetState(f.opts.FrontDir, xenbus.StateClosed)
	return errors.Join(errs...)
}

func (f *Frontend) teardown() error {
	f.port.Close()
	return f.ring.Destroy()
}

func (f *Frontend) call(ctx context.Context, req gpuif.Message) (gpuif.Message, error) {
	resp, err := f.client.Call(ctx, req.Op(), gpuif.Marshal(req))
	if err != nil {
		return nil, err
	}
	return gpuif.DecodeResponse(req.Op(), resp.Body)
}

// CreateDevConfig fetches a device's configuration.
func (f *Frontend) CreateDevConfig(ctx context.Context, osid gpuif.OSID, dev gpuif.DeviceID) (gpuif.DevConfig, error) {
	resp, err := f.call(ctx, gpuif.CreateDevConfigRequest{Target: gpuif.Target{OSID: osid, Device: dev}})
	if err != nil {
		return gpuif.DevConfig{}, fmt.Errorf("gpufront: create device config: %w", err)
	}
	return resp.(gpuif.DevConfig), nil
}

func (f *Frontend) DestroyDevConfig(ctx context.Context, osid gpuif.OSID, dev gpuif.DeviceID) error {
	if _, err := f.call(ctx, gpuif.DestroyDevConfigRequest{Target: gpuif.Target{OSID: osid, Device: dev}}); err != nil {
		return fmt.Errorf("gpufront: destroy device config: %w", err)
	}
	return nil
}

// CreateDevPhysHeaps asks for count heaps.
func (f *Frontend) CreateDevPhysHeaps(ctx context.Context, osid gpuif.OSID, dev gpuif.DeviceID, count int) ([]gpuif.HeapInfo, error) {
	resp, err := f.call(ctx, gpuif.CreateDevPhysHeapsRequest{Target: gpuif.Target{OSID: osid, Device: dev}, Count: uint32(count)})
	if err != nil {
		return nil, fmt.Errorf("gpufront: create heaps: %w", err)
	}
	heaps := resp.(gpuif.PhysHeaps).Heaps
	if len(heaps) != count {
		return nil, fmt.Errorf("%w: asked for %d heaps, backend returned %d", ErrHeapCount, count, len(heaps))
	}
	return heaps, nil
}

func (f *Frontend) DestroyDevPhysHeaps(ctx context.Context, osid gpuif.OSID, dev gpuif.DeviceID) error {
	if _, err := f.call(ctx, gpuif.DestroyDevPhysHeapsRequest{Target: gpuif.Target{OSID: osid, Device: dev}}); err != nil {
		return fmt.Errorf("gpufront: destroy heaps: %w", err)
	}
	return nil
}

// Heartbeat checks that the backend is serving.
func (f *Frontend) Heartbeat(ctx context.Context) error {
	if _, err := f.client.Call(ctx, gpuif.OpHeartbeat, nil); err != nil {
		return fmt.Errorf("gpufront: heartbeat: %w", err)
	}
	return nil
}

// ClearInstance tells the backend to drop everything held for osid. It does
// not wait for the backend.
func (f *Frontend) ClearInstance(ctx context.Context, osid gpuif.OSID) error {
	req := gpuif.ClearInstanceRequest{OSID: osid}
	if err := f.client.Notify(ctx, req.Op(), gpuif.Marshal(req)); err != nil {
		return fmt.Errorf("gpufront: clear instance: %w", err)
	}
	return nil
}
