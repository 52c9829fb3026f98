package mem

import (
	"fmt"
	"io"
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Vector presents an ordered list of pages as one linear address space.
// The pages do not need to be contiguous.
type Vector struct {
	pages    []Page
	pageSize int
}

// NewVector wraps pages. All pages must have the same, non-zero size.
func NewVector(pages []Page) (*Vector, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("mem: empty vector")
	}
	size := len(pages[0])
	if size == 0 {
		return nil, fmt.Errorf("mem: zero-sized page")
	}
	for i, p := range pages {
		if len(p) != size {
			return nil, fmt.Errorf("mem: page %d has size %d, want %d", i, len(p), size)
		}
	}
	return &Vector{pages: pages, pageSize: size}, nil
}

// Len returns the total size in bytes.
func (v *Vector) Len() int64 { return int64(len(v.pages)) * int64(v.pageSize) }

func (v *Vector) PageSize() int { return v.pageSize }

func (v *Vector) Pages() []Page { return v.pages }

// ReadAt implements io.ReaderAt.
func (v *Vector) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("mem: negative offset %d", off)
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= v.Len() {
			return n, io.EOF
		}
		pg := v.pages[pos/int64(v.pageSize)]
		n += copy(p[n:], pg[pos%int64(v.pageSize):])
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes past the end fail without
// partially writing.
func (v *Vector) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > v.Len() {
		return 0, fmt.Errorf("mem: write [%d, %d) outside vector of %d bytes", off, off+int64(len(p)), v.Len())
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		pg := v.pages[pos/int64(v.pageSize)]
		n += copy(pg[pos%int64(v.pageSize):], p[n:])
	}
	return n, nil
}

// Uint32 returns an atomic view of the 4-byte word at off. The word must be
// aligned and must not straddle a page.
func (v *Vector) Uint32(off int64) (*atomicbitops.Uint32, error) {
	if off < 0 || off%4 != 0 || off+4 > v.Len() {
		return nil, fmt.Errorf("mem: invalid word offset %d", off)
	}
	inPage := off % int64(v.pageSize)
	if inPage+4 > int64(v.pageSize) {
		return nil, fmt.Errorf("mem: word at %d straddles a page", off)
	}
	pg := v.pages[off/int64(v.pageSize)]
	return (*atomicbitops.Uint32)(unsafe.Pointer(&pg[inPage])), nil
}
