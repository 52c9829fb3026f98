// Package loopback runs a GPU frontend and backend in one process, each in
// its own domain, joined by an in-process hypervisor, store and event bus.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/pvz/internal/config"
	"github.com/tinyrange/pvz/internal/evtchn"
	"github.com/tinyrange/pvz/internal/gpuback"
	"github.com/tinyrange/pvz/internal/gpufront"
	"github.com/tinyrange/pvz/internal/grant"
	"github.com/tinyrange/pvz/internal/mem"
	"github.com/tinyrange/pvz/internal/xenbus"
)

const (
	BackDom  grant.DomID = 0
	FrontDom grant.DomID = 1

	FrontDir = "device/gpu/0"
	BackDir  = "backend/gpu/0"
)

// System is one connected frontend and backend.
type System struct {
	Config     config.Config
	Hypervisor *grant.Hypervisor
	FrontTable *grant.Table
	Alloc      mem.Allocator
	Store      *xenbus.Store
	Bus        *evtchn.Bus
	Front      *gpufront.Frontend
	Back       *gpuback.Backend

	allocCloser io.Closer
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	serveErr    error
	closeOnce   sync.Once
}

// Options adjusts a System beyond what the config file covers.
type Options struct {
	Devices gpuback.DeviceBackend
	// BackendConfig overrides the backend's view of the settings, to model
	// ends that disagree. Zero means cfg.
	BackendConfig *config.Config
	Logger        *slog.Logger
}

// Start connects both ends and begins serving.
func Start(ctx context.Context, cfg config.Config, opts Options) (*System, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	backCfg := cfg
	if opts.BackendConfig != nil {
		backCfg = *opts.BackendConfig
	}

	codec, err := cfg.Codec()
	if err != nil {
		return nil, err
	}
	frontAuth, err := cfg.Authenticator()
	if err != nil {
		return nil, err
	}
	backAuth, err := backCfg.Authenticator()
	if err != nil {
		return nil, err
	}
	alloc, closer, err := cfg.NewAllocator()
	if err != nil {
		return nil, fmt.Errorf("loopback: %w", err)
	}

	s := &System{
		Config:      cfg,
		Hypervisor:  grant.NewHypervisor(cfg.Grant.TableSize, log),
		Alloc:       alloc,
		Store:       xenbus.NewStore(log),
		Bus:         evtchn.NewBus(log),
		allocCloser: closer,
	}
	s.Hypervisor.Domain(BackDom)
	s.FrontTable = s.Hypervisor.Domain(FrontDom)

	s.Back = gpuback.New(gpuback.Options{
		Mapper:   s.Hypervisor,
		Self:     BackDom,
		Front:    FrontDom,
		Store:    s.Store,
		Bus:      s.Bus,
		FrontDir: FrontDir,
		BackDir:  BackDir,
		Devices:  opts.Devices,
		Codec:    codec,
		Auth:     backAuth,
		Version:  backCfg.ProtocolVersion,
		Logger:   log,
	})
	connectCtx, cancelConnect := context.WithCancel(ctx)
	defer cancelConnect()
	backErr := make(chan error, 1)
	go func() { backErr <- s.Back.Connect(connectCtx) }()

	s.Front, err = gpufront.New(gpufront.Options{
		Granter:  s.FrontTable,
		Alloc:    alloc,
		Backend:  BackDom,
		Store:    s.Store,
		Bus:      s.Bus,
		FrontDir: FrontDir,
		BackDir:  BackDir,
		Codec:    codec,
		Auth:     frontAuth,
		Ring:     cfg.RingLayout(),
		RPC:      cfg.ClientOptions(log),
		Version:  cfg.ProtocolVersion,
		Logger:   log,
	})
	if err != nil {
		cancelConnect()
		<-backErr
		closer.Close()
		return nil, err
	}

	if err := <-backErr; err != nil {
		s.Front.Close()
		closer.Close()
		return nil, err
	}
	if err := s.Front.Connect(ctx); err != nil {
		s.Back.Close()
		s.Front.Close()
		closer.Close()
		return nil, err
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveErr = s.Back.Serve(serveCtx)
	}()
	return s, nil
}

// Close stops the backend first so that it drops its mappings before the
// frontend revokes them.
func (s *System) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		err = errors.Join(s.serveErr, s.Back.Close(), s.Front.Close(), s.allocCloser.Close())
	})
	return err
}
