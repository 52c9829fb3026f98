// Package mem provides page-granular memory for buffers shared across an
// isolation boundary.
package mem

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// DefaultPageSize matches the page size of the platforms the rings run on.
const DefaultPageSize = 4096

// ErrOutOfMemory is returned when an allocator cannot satisfy a request.
var ErrOutOfMemory = errors.New("mem: out of memory")

// Page is one page of memory. len(Page) always equals the allocator's page size.
type Page []byte

// Allocator hands out pages. Alloc is all-or-nothing: on error no pages are
// returned and nothing needs to be freed.
type Allocator interface {
	PageSize() int
	Alloc(n int) ([]Page, error)
	Free(pages []Page)
}

// HeapAllocator allocates pages from the Go heap and enforces an optional
// upper bound on the number of live pages.
type HeapAllocator struct {
	pageSize int
	limit    int64
	used     atomic.Int64
}

// NewHeapAllocator returns an allocator with the given page size. A limit of
// zero means unlimited.
func NewHeapAllocator(pageSize, limit int) *HeapAllocator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &HeapAllocator{pageSize: pageSize, limit: int64(limit)}
}

func (a *HeapAllocator) PageSize() int { return a.pageSize }

// InUse reports the number of pages currently allocated.
func (a *HeapAllocator) InUse() int { return int(a.used.Load()) }

func (a *HeapAllocator) Alloc(n int) ([]Page, error) {
	if n < 0 {
		return nil, fmt.Errorf("mem: invalid page count %d", n)
	}
	if a.limit > 0 {
		if total := a.used.Add(int64(n)); total > a.limit {
			a.used.Add(-int64(n))
			return nil, fmt.Errorf("%w: want %d pages, %d of %d in use", ErrOutOfMemory, n, total-int64(n), a.limit)
		}
	} else {
		a.used.Add(int64(n))
	}
	pages := make([]Page, n)
	for i := range pages {
		pages[i] = make(Page, a.pageSize)
	}
	return pages, nil
}

func (a *HeapAllocator) Free(pages []Page) {
	a.used.Add(-int64(len(pages)))
}

// Zero clears every page.
func Zero(pages []Page) {
	for _, p := range pages {
		clear(p)
	}
}
