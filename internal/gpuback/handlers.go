package gpuback

import (
	"context"
	"errors"

	"github.com/tinyrange/pvz/internal/gpuif"
	"github.com/tinyrange/pvz/internal/grant"
	"github.com/tinyrange/pvz/internal/mem"
	"github.com/tinyrange/pvz/internal/pagedir"
	"github.com/tinyrange/pvz/internal/rpc"
	"github.com/tinyrange/pvz/internal/shbuf"
)

func keyOf(t gpuif.Target) instanceKey { return instanceKey{osid: t.OSID, dev: t.Device} }

// lookup is called with b.mu held.
func (b *Backend) lookup(t gpuif.Target) (*instance, error) {
	inst, ok := b.instances[keyOf(t)]
	if !ok {
		return nil, rpc.Errorf(rpc.StatusNotFound, "osid %d device %d not configured", t.OSID, t.Device)
	}
	return inst, nil
}

func (b *Backend) createDevConfig(ctx context.Context, msg gpuif.Message) (gpuif.Message, error) {
	req := msg.(gpuif.CreateDevConfigRequest)
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instances[keyOf(req.Target)]; ok {
		return inst.config, nil
	}
	cfg, err := b.opts.Devices.DevConfig(req.OSID, req.Device)
	if err != nil {
		return nil, err
	}
	b.instances[keyOf(req.Target)] = &instance{
		config: cfg,
		heaps:  make(map[uint32]gpuif.HeapInfo),
		mapped: make(map[uint32]*shbuf.Mapping),
	}
	b.log.Debug("gpuback: device configured", "osid", req.OSID, "device", req.Device)
	return cfg, nil
}

func (b *Backend) destroyDevConfig(ctx context.Context, msg gpuif.Message) (gpuif.Message, error) {
	req := msg.(gpuif.DestroyDevConfigRequest)
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(req.Target)
	if err != nil {
		return nil, err
	}
	b.unmapAll(keyOf(req.Target), inst)
	delete(b.instances, keyOf(req.Target))
	return gpuif.Ack{Operation: gpuif.OpDestroyDevConfig}, nil
}

func (b *Backend) createDevPhysHeaps(ctx context.Context, msg gpuif.Message) (gpuif.Message, error) {
	req := msg.(gpuif.CreateDevPhysHeapsRequest)
	if req.Count == 0 || req.Count > gpuif.MaxHeaps {
		return nil, rpc.Errorf(rpc.StatusInvalid, "heap count %d", req.Count)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(req.Target)
	if err != nil {
		return nil, err
	}
	if len(inst.heaps) > 0 {
		return nil, rpc.Errorf(rpc.StatusExists, "osid %d device %d already has heaps", req.OSID, req.Device)
	}
	heaps, err := b.opts.Devices.PhysHeaps(req.OSID, req.Device, int(req.Count))
	if err != nil {
		return nil, err
	}
	for _, h := range heaps {
		inst.heaps[h.ID] = h
	}
	return gpuif.PhysHeaps{Heaps: heaps}, nil
}

func (b *Backend) destroyDevPhysHeaps(ctx context.Context, msg gpuif.Message) (gpuif.Message, error) {
	req := msg.(gpuif.DestroyDevPhysHeapsRequest)
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(req.Target)
	if err != nil {
		return nil, err
	}
	b.unmapAll(keyOf(req.Target), inst)
	clear(inst.heaps)
	return gpuif.Ack{Operation: gpuif.OpDestroyDevPhysHeaps}, nil
}

func (b *Backend) mapDevPhysHeap(ctx context.Context, msg gpuif.Message) (gpuif.Message, error) {
	req := msg.(gpuif.MapDevPhysHeapRequest)
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(req.Target)
	if err != nil {
		return nil, err
	}
	heap, ok := inst.heaps[req.Heap]
	if !ok {
		return nil, rpc.Errorf(rpc.StatusNotFound, "no heap %d", req.Heap)
	}
	if _, ok := inst.mapped[req.Heap]; ok {
		return nil, rpc.Errorf(rpc.StatusExists, "heap %d already mapped", req.Heap)
	}
	size := uint64(req.Pages) * uint64(b.opts.Codec.PageSize)
	if req.Pages == 0 || size > heap.Size {
		return nil, rpc.Errorf(rpc.StatusInvalid, "%d pages do not fit heap %d of %d bytes", req.Pages, req.Heap, heap.Size)
	}
	if req.First > uint64(^grant.Ref(0)) {
		return nil, rpc.Errorf(rpc.StatusInvalid, "handle %d out of range", req.First)
	}

	m, err := shbuf.Import(b.importConfig(true), grant.Ref(req.First), int(req.Pages), req.Tag)
	if err != nil {
		b.log.Warn("gpuback: import heap", "osid", req.OSID, "device", req.Device, "heap", req.Heap, "err", err)
		return nil, importStatus(err)
	}
	inst.mapped[req.Heap] = m
	b.log.Debug("gpuback: heap mapped", "osid", req.OSID, "device", req.Device, "heap", req.Heap, "pages", req.Pages)
	return gpuif.HeapMapping{Heap: req.Heap, Base: heap.Base}, nil
}

func importStatus(err error) error {
	switch {
	case errors.Is(err, mem.ErrOutOfMemory):
		return rpc.Errorf(rpc.StatusNoMemory, "%v", err)
	case errors.Is(err, pagedir.ErrChainAuth),
		errors.Is(err, pagedir.ErrChainTruncated),
		errors.Is(err, pagedir.ErrChainOverrun),
		errors.Is(err, grant.ErrInvalidRef),
		errors.Is(err, grant.ErrPermission):
		return rpc.Errorf(rpc.StatusInvalid, "%v", err)
	}
	return err
}

func (b *Backend) unmapDevPhysHeap(ctx context.Context, msg gpuif.Message) (gpuif.Message, error) {
	req := msg.(gpuif.UnmapDevPhysHeapRequest)
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(req.Target)
	if err != nil {
		return nil, err
	}
	m, ok := inst.mapped[req.Heap]
	if !ok {
		return nil, rpc.Errorf(rpc.StatusNotFound, "heap %d not mapped", req.Heap)
	}
	delete(inst.mapped, req.Heap)
	if err := m.Close(); err != nil {
		return nil, err
	}
	return gpuif.Ack{Operation: gpuif.OpUnmapDevPhysHeap}, nil
}

func (b *Backend) clearInstance(ctx context.Context, msg gpuif.Message) (gpuif.Message, error) {
	req := msg.(gpuif.ClearInstanceRequest)
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for key, inst := range b.instances {
		if key.osid != req.OSID {
			continue
		}
		b.unmapAll(key, inst)
		delete(b.instances, key)
		n++
	}
	b.log.Info("gpuback: instance cleared", "osid", req.OSID, "devices", n)
	return gpuif.Ack{Operation: gpuif.OpClearInstance}, nil
}
