// Package pagedir encodes a list of page handles into a chain of directory
// pages so that a multi-page buffer can be described by one root handle.
//
// Each directory page holds the handle of the next directory page followed
// by as many data handles as fit:
//
//	+------------+----------+----------+-----+
//	| next       | handle 0 | handle 1 | ... |
//	+------------+----------+----------+-----+
//
// The chain ends with Invalid in next. The number of data handles travels
// out of band; unused slots in the last page are zero.
package pagedir

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Handle is an opaque peer handle as stored in a directory page.
type Handle uint64

// Invalid terminates a chain and never names a page.
const Invalid Handle = 0

var (
	ErrCapacity       = errors.New("pagedir: capacity mismatch")
	ErrChainTruncated = errors.New("pagedir: directory chain truncated")
	ErrChainOverrun   = errors.New("pagedir: directory chain overruns expected length")
)

// Codec fixes the page size and the on-page width of a handle.
type Codec struct {
	PageSize   int
	HandleSize int
}

// New validates the parameters. handleSize must be 4 or 8 and a page must
// have room for at least one data handle.
func New(pageSize, handleSize int) (Codec, error) {
	if handleSize != 4 && handleSize != 8 {
		return Codec{}, fmt.Errorf("pagedir: unsupported handle size %d", handleSize)
	}
	if pageSize < 2*handleSize {
		return Codec{}, fmt.Errorf("pagedir: page size %d too small for handle size %d", pageSize, handleSize)
	}
	return Codec{PageSize: pageSize, HandleSize: handleSize}, nil
}

// PerPage is the number of data handles one directory page carries.
func (c Codec) PerPage() int {
	return (c.PageSize - c.HandleSize) / c.HandleSize
}

// DirPages is the number of directory pages needed for n data handles.
func (c Codec) DirPages(n int) int {
	if n <= 0 {
		return 0
	}
	per := c.PerPage()
	return (n + per - 1) / per
}

// Directory is the decoded content of one directory page.
type Directory struct {
	Next    Handle
	Handles []Handle
}

// Encode splits data into directory pages. dirs holds the handles under
// which the directory pages themselves will be shared, in chain order; each
// page's Next is the handle of the following page.
func (c Codec) Encode(data, dirs []Handle) ([]Directory, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no data handles", ErrCapacity)
	}
	want := c.DirPages(len(data))
	if len(dirs) != want {
		return nil, fmt.Errorf("%w: %d data handles need %d directory pages, got %d", ErrCapacity, len(data), want, len(dirs))
	}
	for i, h := range data {
		if h == Invalid {
			return nil, fmt.Errorf("%w: invalid data handle at %d", ErrCapacity, i)
		}
	}

	per := c.PerPage()
	out := make([]Directory, want)
	// Back to front so every page links to one that already exists.
	for i := want - 1; i >= 0; i-- {
		next := Invalid
		if i+1 < want {
			next = dirs[i+1]
		}
		end := min((i+1)*per, len(data))
		out[i] = Directory{Next: next, Handles: data[i*per : end]}
	}
	return out, nil
}

// Marshal writes d into page, zero-filling unused slots.
func (c Codec) Marshal(d Directory, page []byte) error {
	if len(page) < c.PageSize {
		return fmt.Errorf("%w: page of %d bytes, want %d", ErrCapacity, len(page), c.PageSize)
	}
	if len(d.Handles) > c.PerPage() {
		return fmt.Errorf("%w: %d handles exceed %d per page", ErrCapacity, len(d.Handles), c.PerPage())
	}
	clear(page[:c.PageSize])
	if err := c.put(page[0:], d.Next); err != nil {
		return err
	}
	for i, h := range d.Handles {
		if err := c.put(page[(i+1)*c.HandleSize:], h); err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal reads the next handle and the first n data handles of page.
func (c Codec) Unmarshal(page []byte, n int) (Directory, error) {
	if len(page) < c.PageSize {
		return Directory{}, fmt.Errorf("%w: page of %d bytes, want %d", ErrCapacity, len(page), c.PageSize)
	}
	if n < 0 || n > c.PerPage() {
		return Directory{}, fmt.Errorf("%w: %d handles exceed %d per page", ErrCapacity, n, c.PerPage())
	}
	d := Directory{Next: c.get(page[0:]), Handles: make([]Handle, n)}
	for i := range d.Handles {
		d.Handles[i] = c.get(page[(i+1)*c.HandleSize:])
	}
	return d, nil
}

// FetchFunc materializes the directory page shared under h.
type FetchFunc func(h Handle) ([]byte, error)

// Decode walks the chain rooted at first and returns exactly expected data
// handles. It never fetches more directory pages than expected handles
// require, and memory grows with the pages actually walked rather than
// with expected.
func (c Codec) Decode(first Handle, expected int, fetch FetchFunc) ([]Handle, error) {
	if expected <= 0 {
		return nil, fmt.Errorf("%w: expected %d handles", ErrCapacity, expected)
	}
	per := c.PerPage()
	out := make([]Handle, 0, min(expected, per))
	cur := first
	for page := 0; ; page++ {
		if cur == Invalid {
			return nil, fmt.Errorf("%w: chain ended after %d of %d handles", ErrChainTruncated, len(out), expected)
		}
		buf, err := fetch(cur)
		if err != nil {
			return nil, fmt.Errorf("pagedir: fetch directory page %d (handle %d): %w", page, cur, err)
		}
		take := min(per, expected-len(out))
		d, err := c.Unmarshal(buf, take)
		if err != nil {
			return nil, err
		}
		for i, h := range d.Handles {
			if h == Invalid {
				return nil, fmt.Errorf("%w: empty slot %d in directory page %d", ErrChainTruncated, i, page)
			}
		}
		out = append(out, d.Handles...)
		if len(out) == expected {
			if d.Next != Invalid {
				return nil, fmt.Errorf("%w: page %d links to handle %d after %d handles", ErrChainOverrun, page, d.Next, expected)
			}
			return out, nil
		}
		cur = d.Next
	}
}

func (c Codec) put(b []byte, h Handle) error {
	switch c.HandleSize {
	case 4:
		if h > 0xffffffff {
			return fmt.Errorf("%w: handle %d does not fit in 4 bytes", ErrCapacity, h)
		}
		binary.LittleEndian.PutUint32(b, uint32(h))
	default:
		binary.LittleEndian.PutUint64(b, uint64(h))
	}
	return nil
}

func (c Codec) get(b []byte) Handle {
	if c.HandleSize == 4 {
		return Handle(binary.LittleEndian.Uint32(b))
	}
	return Handle(binary.LittleEndian.Uint64(b))
}
