package rpc

import "context"

// ClientTransport is the requester's side of a channel.
type ClientTransport interface {
	// SlotSize is the fixed size of every request and response slot.
	SlotSize() int
	// Post enqueues one request slot without blocking. It returns false
	// when there is no room.
	Post(slot []byte) bool
	// Kick tells the server that requests were posted.
	Kick() error
	// Poll copies the next response into buf. It returns false when none
	// is pending.
	Poll(buf []byte) bool
	// Consumed is called after a batch of Polls. Transports whose server
	// can stall on a full response queue wake it here.
	Consumed() error
}

// ServerTransport is the responder's side of a channel.
type ServerTransport interface {
	SlotSize() int
	// Poll copies the next request into buf. It returns false when none
	// is pending.
	Poll(buf []byte) bool
	// HasPending reports whether Poll would succeed.
	HasPending() bool
	// CanReply reports whether there is room for one response. When it
	// returns false the transport arranges for the client to notify the
	// server once room appears.
	CanReply() bool
	// Reply enqueues one response slot.
	Reply(slot []byte) bool
	// Kick tells the client that responses were posted.
	Kick() error
	// Err reports a request queue the peer has corrupted. Once it returns
	// non-nil the transport yields no more requests.
	Err() error
}

// EventSource delivers notifications from the peer. *evtchn.Endpoint
// implements it.
type EventSource interface {
	Serve(ctx context.Context, fn func()) error
}
