package grant

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/pvz/internal/mem"
)

// DefaultTableSize is the number of references per domain.
const DefaultTableSize = 4096

// Mapper resolves references granted by another domain.
type Mapper interface {
	Map(mapper, owner DomID, ref Ref, write bool) (mem.Page, error)
	Unmap(mapper, owner DomID, ref Ref) error
}

// Hypervisor owns the grant tables of all domains.
type Hypervisor struct {
	mu        sync.Mutex
	tables    map[DomID]*Table
	tableSize int
	log       *slog.Logger
}

// NewHypervisor returns a broker whose tables hold tableSize references each.
func NewHypervisor(tableSize int, logger *slog.Logger) *Hypervisor {
	if tableSize <= 0 {
		tableSize = DefaultTableSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hypervisor{
		tables:    make(map[DomID]*Table),
		tableSize: tableSize,
		log:       logger,
	}
}

// Domain returns the grant table of dom, creating it on first use.
func (h *Hypervisor) Domain(dom DomID) *Table {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tables[dom]
	if !ok {
		t = newTable(dom, h.tableSize, h.log)
		h.tables[dom] = t
	}
	return t
}

func (h *Hypervisor) lookup(dom DomID) (*Table, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tables[dom]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDomain, dom)
	}
	return t, nil
}

// Map gives mapper access to the page owner granted through ref.
func (h *Hypervisor) Map(mapper, owner DomID, ref Ref, write bool) (mem.Page, error) {
	t, err := h.lookup(owner)
	if err != nil {
		return nil, err
	}
	return t.mapRef(mapper, ref, write)
}

// Unmap drops one mapping taken with Map.
func (h *Hypervisor) Unmap(mapper, owner DomID, ref Ref) error {
	t, err := h.lookup(owner)
	if err != nil {
		return err
	}
	return t.unmapRef(mapper, ref)
}
