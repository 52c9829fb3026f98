// Package evtchn provides edge-triggered notifications between two domains.
//
// One side allocates an unbound port and publishes its number; the other
// binds to it. Notify on either end marks the remote end pending and wakes
// whoever is serving it. Several notifications before the server runs
// collapse into one callback, so the callback must re-check the rings it
// guards until they are empty.
package evtchn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/waiter"
)

// Port names an endpoint on a Bus.
type Port uint32

var (
	ErrClosed      = errors.New("evtchn: endpoint closed")
	ErrNotBound    = errors.New("evtchn: endpoint not bound")
	ErrUnknownPort = errors.New("evtchn: unknown port")
	ErrPortBound   = errors.New("evtchn: port already bound")
)

// Bus allocates ports.
type Bus struct {
	mu    sync.Mutex
	ports map[Port]*Endpoint
	next  Port
	log   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{ports: make(map[Port]*Endpoint), next: 1, log: logger}
}

// Endpoint is one end of an event channel.
type Endpoint struct {
	bus  *Bus
	port Port

	mu     sync.Mutex
	remote *Endpoint

	pending atomic.Bool
	queue   waiter.Queue
	done    chan struct{}
	closed  atomic.Bool

	delivered atomic.Uint64
}

// AllocUnbound returns a fresh endpoint waiting for a peer to bind.
func (b *Bus) AllocUnbound() *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := &Endpoint{bus: b, port: b.next, done: make(chan struct{})}
	b.ports[e.port] = e
	b.next++
	return e
}

// BindInterdomain connects a new endpoint to the unbound port remote.
func (b *Bus) BindInterdomain(remote Port) (*Endpoint, error) {
	b.mu.Lock()
	r, ok := b.ports[remote]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPort, remote)
	}

	e := b.AllocUnbound()
	r.mu.Lock()
	if r.remote != nil {
		r.mu.Unlock()
		e.Close()
		return nil, fmt.Errorf("%w: %d", ErrPortBound, remote)
	}
	r.remote = e
	r.mu.Unlock()

	e.mu.Lock()
	e.remote = r
	e.mu.Unlock()
	return e, nil
}

// Port returns this endpoint's port number.
func (e *Endpoint) Port() Port { return e.port }

// Delivered counts notifications received.
func (e *Endpoint) Delivered() uint64 { return e.delivered.Load() }

// Notify signals the remote end.
func (e *Endpoint) Notify() error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.mu.Lock()
	r := e.remote
	e.mu.Unlock()
	if r == nil {
		return ErrNotBound
	}
	if r.closed.Load() {
		return fmt.Errorf("remote port %d: %w", r.port, ErrClosed)
	}
	r.delivered.Add(1)
	r.pending.Store(true)
	r.queue.Notify(waiter.EventIn)
	return nil
}

// Serve calls fn every time the endpoint was notified, until ctx is done or
// the endpoint is closed. fn runs on the calling goroutine and must not
// block on anything that waits for a later notification of this endpoint.
func (e *Endpoint) Serve(ctx context.Context, fn func()) error {
	entry, ch := waiter.NewChannelEntry(waiter.EventIn)
	e.queue.EventRegister(&entry)
	defer e.queue.EventUnregister(&entry)

	for {
		if e.pending.Swap(false) {
			fn()
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrClosed
		}
	}
}

// Close unbinds the endpoint. It is safe to call more than once.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.done)
	e.bus.mu.Lock()
	delete(e.bus.ports, e.port)
	e.bus.mu.Unlock()
	return nil
}
