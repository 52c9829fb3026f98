package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Request is a decoded request handed to a Handler.
type Request struct {
	ID      uint64
	Op      Op
	Body    []byte
	NoReply bool
}

// Handler serves one operation. The returned body becomes the response
// body; a non-nil error becomes the response status (see StatusOf).
type Handler func(ctx context.Context, req Request) ([]byte, error)

// Mux routes requests to handlers by operation code.
type Mux struct {
	mu       sync.RWMutex
	handlers map[Op]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[Op]Handler)}
}

// Handle registers h for op, replacing any earlier handler.
func (m *Mux) Handle(op Op, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[op] = h
}

func (m *Mux) Lookup(op Op) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[op]
	return h, ok
}

// Server drains requests, dispatches them and posts responses.
type Server struct {
	t   ServerTransport
	mux *Mux
	log *slog.Logger

	// mu keeps the request queue single-consumer and the response queue
	// single-producer.
	mu sync.Mutex

	handled     atomic.Uint64
	unsupported atomic.Uint64
	malformed   atomic.Uint64
}

func NewServer(t ServerTransport, mux *Mux, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{t: t, mux: mux, log: logger}
}

// Drain handles every pending request and notifies the client once if any
// response was posted. It stops early when the response queue is full; the
// client notifies the server again after it makes room.
func (s *Server) Drain(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t.Err() != nil {
		return 0
	}

	in := make([]byte, s.t.SlotSize())
	out := make([]byte, s.t.SlotSize())
	replied := 0
	for {
		polled := 0
		for s.t.CanReply() && s.t.Poll(in) {
			polled++
			resp, reply := s.handle(ctx, in)
			if !reply {
				continue
			}
			if err := resp.MarshalTo(out); err != nil {
				s.log.Error("rpc: encode response", "id", resp.ID, "op", resp.Op, "err", err)
				resp.Body, resp.Status = nil, StatusInternal
				resp.MarshalTo(out)
			}
			if !s.t.Reply(out) {
				// CanReply guaranteed room and we are the only producer.
				s.log.Error("rpc: response queue rejected a slot", "id", resp.ID, "op", resp.Op)
				continue
			}
			replied++
		}
		// A request may have arrived after the last Poll; look again before
		// returning to the notification loop. A pass that took nothing while
		// requests are still pending means the queue cannot be read.
		if polled == 0 || !s.t.HasPending() || !s.t.CanReply() {
			break
		}
	}
	if replied > 0 {
		if err := s.t.Kick(); err != nil {
			s.log.Warn("rpc: notify client", "err", err)
		}
	}
	return replied
}

// Serve drains on every notification from events until ctx is done or the
// transport reports its request queue corrupt.
func (s *Server) Serve(ctx context.Context, events EventSource) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var broken error
	err := events.Serve(ctx, func() {
		s.Drain(ctx)
		if terr := s.t.Err(); terr != nil && broken == nil {
			broken = terr
			s.log.Error("rpc: request queue corrupt, stopping", "err", terr)
			cancel()
		}
	})
	if broken != nil {
		return fmt.Errorf("rpc: serve: %w", broken)
	}
	return err
}

// Handled counts dispatched requests.
func (s *Server) Handled() uint64 { return s.handled.Load() }

// Unsupported counts requests for unknown operations.
func (s *Server) Unsupported() uint64 { return s.unsupported.Load() }

// Malformed counts requests whose slot could not be decoded.
func (s *Server) Malformed() uint64 { return s.malformed.Load() }

func (s *Server) handle(ctx context.Context, slot []byte) (Message, bool) {
	msg, err := ParseMessage(slot)
	reply := msg.Flags&FlagNoReply == 0
	resp := Message{ID: msg.ID, Op: msg.Op}
	if err != nil {
		s.malformed.Add(1)
		s.log.Warn("rpc: malformed request", "id", msg.ID, "op", msg.Op, "err", err)
		resp.Status = StatusInvalid
		return resp, reply
	}
	s.handled.Add(1)

	if msg.Op == OpHeartbeat {
		resp.Body = msg.Body
		return resp, reply
	}

	h, ok := s.mux.Lookup(msg.Op)
	if !ok {
		s.unsupported.Add(1)
		s.log.Warn("rpc: unsupported operation", "id", msg.ID, "op", msg.Op)
		resp.Status = StatusUnsupported
		return resp, reply
	}

	body, err := s.invoke(ctx, h, Request{ID: msg.ID, Op: msg.Op, Body: msg.Body, NoReply: !reply})
	if err != nil {
		resp.Status = StatusOf(err)
		level := slog.LevelDebug
		if resp.Status == StatusInternal {
			level = slog.LevelWarn
		}
		s.log.Log(ctx, level, "rpc: handler failed", "id", msg.ID, "op", msg.Op, "status", resp.Status, "err", err)
	}
	resp.Body = body
	if len(resp.Body) > MaxBody(len(slot)) {
		s.log.Error("rpc: handler response too large", "op", msg.Op, "len", len(resp.Body))
		resp.Body, resp.Status = nil, StatusInternal
	}
	return resp, reply
}

// invoke runs h and turns a panic into StatusInternal. A request from the
// peer must never take the server down.
func (s *Server) invoke(ctx context.Context, h Handler, req Request) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			body = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, req)
}
