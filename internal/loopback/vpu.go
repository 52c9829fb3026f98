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
	"github.com/tinyrange/pvz/internal/mem"
	"github.com/tinyrange/pvz/internal/rpc"
	"github.com/tinyrange/pvz/internal/virtq"
	"github.com/tinyrange/pvz/internal/vpuclient"
	"github.com/tinyrange/pvz/internal/vpuservice"
)

// VPU is a VPU client and service sharing one virtqueue.
type VPU struct {
	Client  *vpuclient.Client
	Service *vpuservice.Service
	Server  *rpc.Server

	alloc       mem.Allocator
	pages       []mem.Page
	allocCloser io.Closer
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// StartVPU sizes the virtqueue from the ring settings in cfg and serves dev
// on it.
func StartVPU(cfg config.Config, dev vpuservice.Device, logger *slog.Logger) (*VPU, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Ring.Capacity > virtq.MaxSize {
		return nil, fmt.Errorf("loopback: ring capacity %d exceeds virtqueue size %d", cfg.Ring.Capacity, virtq.MaxSize)
	}
	if cfg.Ring.SlotSize < vpuservice.MinSlotSize {
		return nil, fmt.Errorf("loopback: slot size %d below %d", cfg.Ring.SlotSize, vpuservice.MinSlotSize)
	}
	l := virtq.Layout{Size: uint16(cfg.Ring.Capacity), SlotSize: cfg.Ring.SlotSize}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("loopback: %w", err)
	}

	alloc, closer, err := cfg.NewAllocator()
	if err != nil {
		return nil, fmt.Errorf("loopback: %w", err)
	}
	n := int((l.Bytes() + int64(alloc.PageSize()) - 1) / int64(alloc.PageSize()))
	pages, err := alloc.Alloc(n)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("loopback: virtqueue memory: %w", err)
	}
	v := &VPU{alloc: alloc, pages: pages, allocCloser: closer}

	fail := func(err error) (*VPU, error) {
		alloc.Free(pages)
		closer.Close()
		return nil, fmt.Errorf("loopback: %w", err)
	}
	vec, err := mem.NewVector(pages)
	if err != nil {
		return fail(err)
	}
	m := virtq.NewLockedMemory(vec)
	drv, err := virtq.NewDriverQueue(m, l)
	if err != nil {
		return fail(err)
	}
	devq, err := virtq.NewDeviceQueue(m, l)
	if err != nil {
		return fail(err)
	}

	bus := evtchn.NewBus(logger)
	driverPort := bus.AllocUnbound()
	devicePort, err := bus.BindInterdomain(driverPort.Port())
	if err != nil {
		return fail(err)
	}

	v.Service = vpuservice.New(dev, logger)
	v.Server = v.Service.Attach(devq, devicePort)
	v.Client = vpuclient.New(drv, driverPort, cfg.ClientOptions(logger))

	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.wg.Add(2)
	go func() { defer v.wg.Done(); v.Client.Run(ctx, driverPort) }()
	go func() { defer v.wg.Done(); v.Server.Serve(ctx, devicePort) }()
	return v, nil
}

func (v *VPU) Close() error {
	var err error
	v.closeOnce.Do(func() {
		err = v.Client.Close()
		v.cancel()
		v.wg.Wait()
		v.alloc.Free(v.pages)
		err = errors.Join(err, v.allocCloser.Close())
	})
	return err
}
