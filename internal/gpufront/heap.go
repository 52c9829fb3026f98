package gpufront

import (
	"context"
	"fmt"

	"github.com/tinyrange/pvz/internal/gpuif"
	"github.com/tinyrange/pvz/internal/mem"
	"github.com/tinyrange/pvz/internal/shbuf"
)

// Heap is frontend memory shared with the backend to back a device heap.
type Heap struct {
	Target gpuif.Target
	ID     uint32
	// Base is the device address of the heap.
	Base uint64

	buf *shbuf.Buffer
}

// Memory returns the heap's pages as one address space.
func (h *Heap) Memory() (*mem.Vector, error) { return h.buf.Vector() }

// Pages is the number of data pages.
func (h *Heap) Pages() int { return h.buf.NumPages() }

// MapDevPhysHeap shares size bytes with the backend as heap id of a device.
// The buffer is unshared again if the backend refuses it.
func (f *Frontend) MapDevPhysHeap(ctx context.Context, osid gpuif.OSID, dev gpuif.DeviceID, id uint32, size int) (*Heap, error) {
	cfg := shbuf.Config{
		Granter: f.opts.Granter,
		Alloc:   f.opts.Alloc,
		Codec:   f.opts.Codec,
		Auth:    f.opts.Auth,
		Logger:  f.log,
	}
	buf, err := shbuf.Create(cfg, size, f.opts.Backend)
	if err != nil {
		return nil, fmt.Errorf("gpufront: share heap %d: %w", id, err)
	}
	tag, _ := buf.Tag()
	target := gpuif.Target{OSID: osid, Device: dev}
	resp, err := f.call(ctx, gpuif.MapDevPhysHeapRequest{
		Target: target,
		Heap:   id,
		Pages:  uint32(buf.NumPages()),
		First:  uint64(buf.FirstHandle()),
		Tag:    tag,
	})
	if err != nil {
		if derr := buf.Destroy(); derr != nil {
			f.log.Warn("gpufront: unshare refused heap", "heap", id, "err", derr)
		}
		return nil, fmt.Errorf("gpufront: map heap %d: %w", id, err)
	}

	h := &Heap{Target: target, ID: id, Base: resp.(gpuif.HeapMapping).Base, buf: buf}
	f.mu.Lock()
	f.heaps[h] = struct{}{}
	f.mu.Unlock()
	return h, nil
}

// UnmapDevPhysHeap asks the backend to drop h and then unshares it. If the
// backend fails to answer the buffer is still unshared; pages it keeps
// mapped are leaked rather than reused.
func (f *Frontend) UnmapDevPhysHeap(ctx context.Context, h *Heap) error {
	_, callErr := f.call(ctx, gpuif.UnmapDevPhysHeapRequest{Target: h.Target, Heap: h.ID})

	f.mu.Lock()
	delete(f.heaps, h)
	f.mu.Unlock()
	destroyErr := h.buf.Destroy()

	if callErr != nil {
		return fmt.Errorf("gpufront: unmap heap %d: %w", h.ID, callErr)
	}
	if destroyErr != nil {
		return fmt.Errorf("gpufront: unshare heap %d: %w", h.ID, destroyErr)
	}
	return nil
}

// Forget unshares h without telling the backend, as after the backend
// dropped it on DestroyDevPhysHeaps or ClearInstance.
func (f *Frontend) Forget(h *Heap) error {
	f.mu.Lock()
	delete(f.heaps, h)
	f.mu.Unlock()
	return h.buf.Destroy()
}
