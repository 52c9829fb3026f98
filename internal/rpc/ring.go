package rpc

import "github.com/tinyrange/pvz/internal/ring"

// RingClient carries requests over the front of a ring channel.
type RingClient struct {
	ch     ring.Front
	slot   int
	notify ring.Notifier
}

// NewRingClient returns the requester's transport for ch. notify kicks the
// server.
func NewRingClient(ch *ring.Channel, notify ring.Notifier) *RingClient {
	return &RingClient{ch: ch.Front(), slot: ch.Requests.Layout().SlotSize, notify: notify}
}

func (t *RingClient) SlotSize() int         { return t.slot }
func (t *RingClient) Post(slot []byte) bool { return t.ch.Requests.TryEnqueue(slot) }
func (t *RingClient) Kick() error           { return t.notify.Notify() }
func (t *RingClient) Poll(buf []byte) bool  { return t.ch.Responses.TryDequeue(buf) }

// Consumed wakes a server that stalled on a full response ring.
func (t *RingClient) Consumed() error {
	if t.ch.Responses.TakeStalled() {
		return t.notify.Notify()
	}
	return nil
}

// RingServer carries responses over the back of a ring channel.
type RingServer struct {
	ch     ring.Back
	slot   int
	notify ring.Notifier
}

// NewRingServer returns the responder's transport for ch. notify kicks the
// client.
func NewRingServer(ch *ring.Channel, notify ring.Notifier) *RingServer {
	return &RingServer{ch: ch.Back(), slot: ch.Responses.Layout().SlotSize, notify: notify}
}

func (t *RingServer) SlotSize() int          { return t.slot }
func (t *RingServer) Poll(buf []byte) bool   { return t.ch.Requests.TryDequeue(buf) }
func (t *RingServer) HasPending() bool       { return t.ch.Requests.HasUnconsumed() }
func (t *RingServer) Reply(slot []byte) bool { return t.ch.Responses.TryEnqueue(slot) }
func (t *RingServer) Kick() error            { return t.notify.Notify() }
func (t *RingServer) Err() error             { return t.ch.Requests.Err() }

func (t *RingServer) CanReply() bool {
	if t.ch.Responses.Free() > 0 {
		return true
	}
	return t.ch.Responses.MarkStalled()
}
