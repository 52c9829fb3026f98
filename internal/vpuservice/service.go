// Package vpuservice serves VPU sessions over a virtqueue.
package vpuservice

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tinyrange/pvz/internal/ring"
	"github.com/tinyrange/pvz/internal/rpc"
	"github.com/tinyrange/pvz/internal/virtq"
	"github.com/tinyrange/pvz/internal/vpuif"
)

// MinSlotSize is the smallest virtqueue slot that holds every request.
const MinSlotSize = rpc.HeaderSize + vpuif.RequestSize

// Service tracks open sessions and forwards their requests to a Device.
type Service struct {
	dev Device
	log *slog.Logger

	mu       sync.Mutex
	next     vpuif.Handle
	sessions map[vpuif.Handle]uint32
}

func New(dev Device, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		dev:      dev,
		log:      logger.With("component", "vpuservice"),
		sessions: make(map[vpuif.Handle]uint32),
	}
}

// Mux returns a request router for the service's operations.
func (s *Service) Mux() *rpc.Mux {
	mux := rpc.NewMux()
	mux.Handle(vpuif.OpOpen, handler(s.open))
	mux.Handle(vpuif.OpClose, handler(s.close))
	mux.Handle(vpuif.OpClearInstance, handler(s.clearInstance))
	mux.Handle(vpuif.OpRegRead, handler(s.regRead))
	mux.Handle(vpuif.OpRegWrite, handler(s.regWrite))
	mux.Handle(vpuif.OpCommand, handler(s.command))
	return mux
}

// Attach builds a server for the device side of a virtqueue. irq notifies
// the driver of used buffers.
func (s *Service) Attach(q *virtq.DeviceQueue, irq ring.Notifier) *rpc.Server {
	return rpc.NewServer(virtq.NewServerTransport(q, irq, s.log), s.Mux(), s.log)
}

// Sessions is the number of open sessions.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

type typedHandler func(ctx context.Context, req vpuif.Request) (vpuif.Response, error)

func handler(fn typedHandler) rpc.Handler {
	return func(ctx context.Context, req rpc.Request) ([]byte, error) {
		r, err := vpuif.ParseRequest(req.Body)
		if err != nil {
			return nil, rpc.Errorf(rpc.StatusInvalid, "%v", err)
		}
		resp, err := fn(ctx, r)
		if err != nil {
			return nil, err
		}
		return resp.Marshal(), nil
	}
}

func (s *Service) core(h vpuif.Handle) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	core, ok := s.sessions[h]
	if !ok {
		return 0, rpc.Errorf(rpc.StatusNotFound, "session %d", h)
	}
	return core, nil
}

func (s *Service) open(ctx context.Context, req vpuif.Request) (vpuif.Response, error) {
	if int(req.Core) >= s.dev.Cores() {
		return vpuif.Response{}, rpc.Errorf(rpc.StatusInvalid, "core %d of %d", req.Core, s.dev.Cores())
	}
	s.mu.Lock()
	s.next++
	h := s.next
	s.sessions[h] = req.Core
	s.mu.Unlock()

	s.log.Debug("session opened", "session", h, "core", req.Core)
	var resp vpuif.Response
	resp.Data[0] = uint32(h)
	return resp, nil
}

func (s *Service) close(ctx context.Context, req vpuif.Request) (vpuif.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[req.Handle]; !ok {
		return vpuif.Response{}, rpc.Errorf(rpc.StatusNotFound, "session %d", req.Handle)
	}
	delete(s.sessions, req.Handle)
	return vpuif.Response{}, nil
}

// clearInstance drops the session and resets its core. It is sent without a
// reply, so a stale handle is only logged.
func (s *Service) clearInstance(ctx context.Context, req vpuif.Request) (vpuif.Response, error) {
	s.mu.Lock()
	core, ok := s.sessions[req.Handle]
	delete(s.sessions, req.Handle)
	s.mu.Unlock()
	if !ok {
		s.log.Debug("clear for unknown session", "session", req.Handle)
		return vpuif.Response{}, nil
	}
	s.dev.Reset(core)
	s.log.Info("instance cleared", "session", req.Handle, "core", core)
	return vpuif.Response{}, nil
}

func (s *Service) regRead(ctx context.Context, req vpuif.Request) (vpuif.Response, error) {
	core, err := s.core(req.Handle)
	if err != nil {
		return vpuif.Response{}, err
	}
	v, err := s.dev.ReadReg(core, req.Offset)
	if err != nil {
		return vpuif.Response{}, err
	}
	var resp vpuif.Response
	resp.Data[0] = v
	return resp, nil
}

func (s *Service) regWrite(ctx context.Context, req vpuif.Request) (vpuif.Response, error) {
	core, err := s.core(req.Handle)
	if err != nil {
		return vpuif.Response{}, err
	}
	return vpuif.Response{}, s.dev.WriteReg(core, req.Offset, req.Value)
}

func (s *Service) command(ctx context.Context, req vpuif.Request) (vpuif.Response, error) {
	core, err := s.core(req.Handle)
	if err != nil {
		return vpuif.Response{}, err
	}
	return s.dev.Command(core, req.Code, req.Block[:])
}
