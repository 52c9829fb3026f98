// Package grant issues peer handles for pages and lets the peer map them.
//
// A Table belongs to one domain and records which of its pages are
// accessible to which peer. The Hypervisor brokers mappings between
// domains: a peer can only reach a page through a reference the owner
// granted to it.
package grant

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/pvz/internal/mem"
)

// DomID identifies a domain (a guest, the host service, a device backend).
type DomID uint16

// Ref is the peer handle for one granted page.
type Ref uint32

// InvalidRef is never handed out.
const InvalidRef Ref = 0

var (
	ErrGrantFailed   = errors.New("grant: grant failed")
	ErrTableFull     = errors.New("grant: table full")
	ErrInvalidRef    = errors.New("grant: invalid reference")
	ErrInUse         = errors.New("grant: reference still mapped by peer")
	ErrPermission    = errors.New("grant: access denied")
	ErrUnknownDomain = errors.New("grant: unknown domain")
)

type entryState uint8

const (
	entryFree entryState = iota
	entryReserved
	entryGranted
)

type entry struct {
	state    entryState
	peer     DomID
	page     mem.Page
	readOnly bool
	maps     int
}

// Table is the grant table of one domain.
type Table struct {
	mu      sync.Mutex
	dom     DomID
	entries []entry
	free    []Ref
	granted int

	// failAfter < 0 disables fault injection.
	failAfter int

	log *slog.Logger
}

func newTable(dom DomID, size int, logger *slog.Logger) *Table {
	t := &Table{
		dom:       dom,
		entries:   make([]entry, size+1),
		free:      make([]Ref, 0, size),
		failAfter: -1,
		log:       logger.With("dom", dom),
	}
	for r := size; r >= 1; r-- {
		t.free = append(t.free, Ref(r))
	}
	return t
}

// Dom returns the owning domain.
func (t *Table) Dom() DomID { return t.dom }

// Granted reports the number of live grants.
func (t *Table) Granted() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.granted
}

// Free reports the number of unclaimed references.
func (t *Table) Free() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.free)
}

// FailAfter makes every grant after the next n fail with ErrGrantFailed.
// A negative n disables the fault.
func (t *Table) FailAfter(n int) {
	t.mu.Lock()
	t.failAfter = n
	t.mu.Unlock()
}

// Reserve claims n references. Either all n are claimed or none.
func (t *Table) Reserve(n int) ([]Ref, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.free) {
		return nil, fmt.Errorf("%w: %w: want %d refs, %d free", ErrGrantFailed, ErrTableFull, n, len(t.free))
	}
	refs := make([]Ref, n)
	for i := range refs {
		r := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.entries[r].state = entryReserved
		refs[i] = r
	}
	return refs, nil
}

// Release returns reserved but never granted references to the free list.
// Granted or unknown references are ignored.
func (t *Table) Release(refs []Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range refs {
		if !t.valid(r) || t.entries[r].state != entryReserved {
			continue
		}
		t.entries[r] = entry{}
		t.free = append(t.free, r)
	}
}

// Grant makes page accessible to peer through a previously reserved ref.
func (t *Table) Grant(ref Ref, peer DomID, page mem.Page, readOnly bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(ref) || t.entries[ref].state != entryReserved {
		return fmt.Errorf("%w: %w: %d", ErrGrantFailed, ErrInvalidRef, ref)
	}
	if t.failAfter == 0 {
		return fmt.Errorf("%w: injected fault on ref %d", ErrGrantFailed, ref)
	}
	if t.failAfter > 0 {
		t.failAfter--
	}
	t.entries[ref] = entry{state: entryGranted, peer: peer, page: page, readOnly: readOnly}
	t.granted++
	return nil
}

// GrantAccess reserves a reference and grants page through it.
func (t *Table) GrantAccess(peer DomID, page mem.Page, readOnly bool) (Ref, error) {
	refs, err := t.Reserve(1)
	if err != nil {
		return InvalidRef, err
	}
	if err := t.Grant(refs[0], peer, page, readOnly); err != nil {
		t.Release(refs)
		return InvalidRef, err
	}
	return refs[0], nil
}

// Revoke ends foreign access through ref and frees it. It fails with ErrInUse
// while the peer still holds a mapping; the grant stays in place so the
// caller can retry once the peer unmaps.
func (t *Table) Revoke(ref Ref) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(ref) || t.entries[ref].state != entryGranted {
		return fmt.Errorf("%w: %d", ErrInvalidRef, ref)
	}
	if t.entries[ref].maps > 0 {
		return fmt.Errorf("%w: ref %d (%d mappings)", ErrInUse, ref, t.entries[ref].maps)
	}
	t.entries[ref] = entry{}
	t.free = append(t.free, ref)
	t.granted--
	return nil
}

func (t *Table) valid(ref Ref) bool {
	return ref != InvalidRef && int(ref) < len(t.entries)
}

func (t *Table) mapRef(mapper DomID, ref Ref, write bool) (mem.Page, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(ref) || t.entries[ref].state != entryGranted {
		return nil, fmt.Errorf("%w: dom %d ref %d", ErrInvalidRef, t.dom, ref)
	}
	e := &t.entries[ref]
	if e.peer != mapper {
		return nil, fmt.Errorf("%w: dom %d ref %d not granted to dom %d", ErrPermission, t.dom, ref, mapper)
	}
	if write && e.readOnly {
		return nil, fmt.Errorf("%w: dom %d ref %d is read-only", ErrPermission, t.dom, ref)
	}
	e.maps++
	return e.page, nil
}

func (t *Table) unmapRef(mapper DomID, ref Ref) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(ref) || t.entries[ref].state != entryGranted {
		return fmt.Errorf("%w: dom %d ref %d", ErrInvalidRef, t.dom, ref)
	}
	e := &t.entries[ref]
	if e.peer != mapper || e.maps == 0 {
		return fmt.Errorf("%w: dom %d ref %d not mapped by dom %d", ErrPermission, t.dom, ref, mapper)
	}
	e.maps--
	return nil
}
