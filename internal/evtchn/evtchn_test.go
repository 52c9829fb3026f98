package evtchn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNotifyWakesServer(t *testing.T) {
	bus := NewBus(nil)
	front := bus.AllocUnbound()
	back, err := bus.BindInterdomain(front.Port())
	if err != nil {
		t.Fatalf("BindInterdomain: %v", err)
	}

	calls := make(chan struct{}, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- back.Serve(ctx, func() { calls <- struct{}{} })
	}()

	if err := front.Notify(); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatalf("server was not woken")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve returned %v", err)
	}
}

func TestNotifyBeforeServeIsNotLost(t *testing.T) {
	bus := NewBus(nil)
	front := bus.AllocUnbound()
	back, _ := bus.BindInterdomain(front.Port())

	for i := 0; i < 3; i++ {
		front.Notify()
	}

	calls := 0
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	back.Serve(ctx, func() { calls++ })
	if calls != 1 {
		t.Fatalf("pending notifications produced %d callbacks, want 1", calls)
	}
	if back.Delivered() != 3 {
		t.Fatalf("Delivered = %d, want 3", back.Delivered())
	}
}

func TestBindErrors(t *testing.T) {
	bus := NewBus(nil)
	if _, err := bus.BindInterdomain(42); !errors.Is(err, ErrUnknownPort) {
		t.Fatalf("bind to unknown port: got %v", err)
	}

	front := bus.AllocUnbound()
	if err := front.Notify(); !errors.Is(err, ErrNotBound) {
		t.Fatalf("Notify on unbound port: got %v", err)
	}
	if _, err := bus.BindInterdomain(front.Port()); err != nil {
		t.Fatalf("BindInterdomain: %v", err)
	}
	if _, err := bus.BindInterdomain(front.Port()); !errors.Is(err, ErrPortBound) {
		t.Fatalf("second bind: got %v", err)
	}
}

func TestCloseStopsServe(t *testing.T) {
	bus := NewBus(nil)
	front := bus.AllocUnbound()
	back, _ := bus.BindInterdomain(front.Port())

	done := make(chan error, 1)
	go func() { done <- back.Serve(context.Background(), func() {}) }()

	back.Close()
	back.Close()
	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("Serve after Close returned %v", err)
	}
	if err := front.Notify(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Notify to closed remote: got %v", err)
	}
}
