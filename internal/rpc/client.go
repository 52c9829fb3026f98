package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ClientOptions are fixed when the channel is set up.
type ClientOptions struct {
	// Timeout bounds calls whose context has no deadline. Zero disables it.
	Timeout time.Duration
	// MaxInFlight caps outstanding synchronous calls. Zero means the
	// transport's queue depth is the only limit.
	MaxInFlight int
	// BusyRetries is how often a full queue is retried before ErrBusy.
	BusyRetries int
	// BusyBackoff is the wait before the first retry; it grows linearly.
	BusyBackoff time.Duration

	Logger *slog.Logger
}

type pendingCall struct {
	id   uint64
	op   Op
	done chan struct{}

	// Written by the demux under Client.mu before done is closed.
	completed bool
	resp      Message
	err       error
}

// Client issues requests and matches responses to waiting callers.
//
// The demux only fills in the response and signals; the issuing goroutine
// always unlinks its own pending call.
type Client struct {
	t    ClientTransport
	opts ClientOptions
	log  *slog.Logger

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	nextID  uint64
	closed  bool

	// rxMu keeps the response queue single-consumer.
	rxMu sync.Mutex

	mismatched atomic.Uint64
}

// NewClient returns a client sending over t.
func NewClient(t ClientTransport, opts ClientOptions) *Client {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		t:       t,
		opts:    opts,
		log:     log,
		pending: make(map[uint64]*pendingCall),
		nextID:  1,
	}
}

// Call sends a request and waits for its response. A response with a
// non-zero status is returned together with a *StatusError.
func (c *Client) Call(ctx context.Context, op Op, body []byte) (Message, error) {
	if len(body) > MaxBody(c.t.SlotSize()) {
		return Message{}, fmt.Errorf("%w: op %d body of %d bytes", ErrBodyTooLarge, op, len(body))
	}
	if _, ok := ctx.Deadline(); !ok && c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	call := &pendingCall{op: op, done: make(chan struct{})}
	if err := c.post(ctx, op, 0, body, call); err != nil {
		return Message{}, err
	}
	if err := c.t.Kick(); err != nil {
		c.unlink(call)
		return Message{}, fmt.Errorf("rpc: kick for op %d id %d: %w", op, call.id, err)
	}

	select {
	case <-call.done:
	case <-ctx.Done():
	}

	c.mu.Lock()
	delete(c.pending, call.id)
	completed := call.completed
	c.mu.Unlock()

	if !completed {
		c.log.Debug("rpc: call abandoned", "op", op, "id", call.id, "err", ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Message{}, fmt.Errorf("%w: op %d id %d", ErrTimeout, op, call.id)
		}
		return Message{}, fmt.Errorf("rpc: op %d id %d: %w", op, call.id, ctx.Err())
	}
	if call.err != nil {
		return call.resp, call.err
	}
	if call.resp.Status != StatusOK {
		return call.resp, &StatusError{Op: op, Status: call.resp.Status}
	}
	return call.resp, nil
}

// Notify sends a request the server does not answer.
func (c *Client) Notify(ctx context.Context, op Op, body []byte) error {
	if len(body) > MaxBody(c.t.SlotSize()) {
		return fmt.Errorf("%w: op %d body of %d bytes", ErrBodyTooLarge, op, len(body))
	}
	if err := c.post(ctx, op, FlagNoReply, body, nil); err != nil {
		return err
	}
	if err := c.t.Kick(); err != nil {
		return fmt.Errorf("rpc: kick for op %d: %w", op, err)
	}
	return nil
}

// post assigns an id and enqueues the request. A synchronous call is linked
// into the pending table under the same lock as the enqueue so that its
// response cannot arrive before it is findable.
func (c *Client) post(ctx context.Context, op Op, flags Flags, body []byte, call *pendingCall) error {
	slot := make([]byte, c.t.SlotSize())
	for attempt := 0; ; attempt++ {
		posted, err := c.tryPost(op, flags, body, call, slot)
		if err != nil {
			return err
		}
		if posted {
			return nil
		}
		if attempt >= c.opts.BusyRetries {
			return fmt.Errorf("%w: op %d after %d attempts", ErrBusy, op, attempt+1)
		}
		wait := c.opts.BusyBackoff * time.Duration(attempt+1)
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: op %d: %w", ErrBusy, op, ctx.Err())
		}
	}
}

func (c *Client) tryPost(op Op, flags Flags, body []byte, call *pendingCall, slot []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	if call != nil && c.opts.MaxInFlight > 0 && len(c.pending) >= c.opts.MaxInFlight {
		return false, nil
	}

	id := c.nextID
	msg := Message{ID: id, Op: op, Flags: flags, Body: body}
	if err := msg.MarshalTo(slot); err != nil {
		return false, err
	}
	if call != nil {
		call.id = id
		c.pending[id] = call
	}
	if !c.t.Post(slot) {
		if call != nil {
			delete(c.pending, id)
		}
		return false, nil
	}
	c.nextID++
	c.log.Debug("rpc: posted", "op", op, "id", id, "noreply", flags&FlagNoReply != 0)
	return true, nil
}

func (c *Client) unlink(call *pendingCall) {
	c.mu.Lock()
	delete(c.pending, call.id)
	c.mu.Unlock()
}

// HandleResponses drains the response queue and wakes the matching callers.
// It is the notification callback of the client side and must not run on a
// goroutine that is blocked in Call.
func (c *Client) HandleResponses() {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()

	buf := make([]byte, c.t.SlotSize())
	consumed := 0
	for c.t.Poll(buf) {
		consumed++
		msg, err := ParseMessage(buf)
		if err != nil {
			c.mismatched.Add(1)
			c.log.Warn("rpc: dropping malformed response", "id", msg.ID, "op", msg.Op, "err", err)
			continue
		}
		c.deliver(msg)
	}
	if consumed > 0 {
		if err := c.t.Consumed(); err != nil {
			c.log.Warn("rpc: notify server after draining responses", "err", err)
		}
	}
}

func (c *Client) deliver(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[msg.ID]
	if !ok || call.completed {
		c.mismatched.Add(1)
		c.log.Warn("rpc: response matches no pending call", "id", msg.ID, "op", msg.Op, "status", msg.Status)
		return
	}
	call.resp = msg
	if msg.Op != call.op {
		call.err = fmt.Errorf("%w: id %d sent op %d, got op %d", ErrMismatch, msg.ID, call.op, msg.Op)
	}
	call.completed = true
	close(call.done)
}

// Run calls HandleResponses for every notification from events until ctx is
// done.
func (c *Client) Run(ctx context.Context, events EventSource) error {
	return events.Serve(ctx, c.HandleResponses)
}

// Pending is the number of synchronous calls awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Mismatched counts responses that matched no pending call.
func (c *Client) Mismatched() uint64 { return c.mismatched.Load() }

// Close fails all waiting calls with ErrClosed and rejects new ones.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, call := range c.pending {
		if !call.completed {
			call.completed = true
			call.err = ErrClosed
			close(call.done)
		}
	}
	return nil
}
