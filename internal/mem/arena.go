package mem

import (
	"fmt"
	"sync"
	"unsafe"
)

// Arena is a fixed pool of pages carved out of one contiguous mapping.
type Arena struct {
	mu       sync.Mutex
	region   []byte
	pageSize int
	free     []int
	closed   bool
}

// NewArena maps pages*pageSize bytes and returns an arena over them.
func NewArena(pageSize, pages int) (*Arena, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pages <= 0 {
		return nil, fmt.Errorf("mem: arena needs at least one page")
	}
	region, err := mapRegion(pageSize * pages)
	if err != nil {
		return nil, fmt.Errorf("mem: map arena: %w", err)
	}
	a := &Arena{region: region, pageSize: pageSize, free: make([]int, pages)}
	// Hand out low pages first.
	for i := range a.free {
		a.free[i] = pages - 1 - i
	}
	return a, nil
}

func (a *Arena) PageSize() int { return a.pageSize }

// Available reports how many pages are free.
func (a *Arena) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

func (a *Arena) Alloc(n int) ([]Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("mem: arena closed")
	}
	if n > len(a.free) {
		return nil, fmt.Errorf("%w: want %d pages, %d free", ErrOutOfMemory, n, len(a.free))
	}
	pages := make([]Page, n)
	for i := range pages {
		idx := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		off := idx * a.pageSize
		p := Page(a.region[off : off+a.pageSize : off+a.pageSize])
		clear(p)
		pages[i] = p
	}
	return pages, nil
}

func (a *Arena) Free(pages []Page) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(a.region)))
	for _, p := range pages {
		if len(p) != a.pageSize {
			continue
		}
		off := uintptr(unsafe.Pointer(unsafe.SliceData(p))) - base
		if off >= uintptr(len(a.region)) {
			continue
		}
		a.free = append(a.free, int(off)/a.pageSize)
	}
}

// Close releases the mapping. Pages handed out become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	err := unmapRegion(a.region)
	a.region = nil
	a.free = nil
	return err
}
