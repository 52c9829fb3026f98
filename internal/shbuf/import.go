package shbuf

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/pvz/internal/grant"
	"github.com/tinyrange/pvz/internal/mem"
	"github.com/tinyrange/pvz/internal/pagedir"
)

// ImportConfig describes the peer side of a shared buffer.
type ImportConfig struct {
	Mapper grant.Mapper
	// Self is the importing domain, Owner the domain that shared the buffer.
	Self  grant.DomID
	Owner grant.DomID
	Codec pagedir.Codec

	// Write maps the data pages writable.
	Write bool

	// Auth, when set, requires the decoded handle list to match the tag
	// passed to Import.
	Auth *pagedir.Authenticator

	Logger *slog.Logger
}

// Mapping is a buffer imported from another domain.
type Mapping struct {
	cfg   ImportConfig
	refs  []grant.Ref
	pages []mem.Page
}

// Import resolves the chain rooted at first into n mapped data pages. The
// directory pages are unmapped again before Import returns.
func Import(cfg ImportConfig, first grant.Ref, n int, tag pagedir.Tag) (*Mapping, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if n <= 0 {
		return nil, fmt.Errorf("shbuf: %w: import of %d pages", pagedir.ErrCapacity, n)
	}

	var dirRefs []grant.Ref
	fetch := func(h pagedir.Handle) ([]byte, error) {
		if h > pagedir.Handle(^grant.Ref(0)) {
			return nil, grant.ErrInvalidRef
		}
		ref := grant.Ref(h)
		page, err := cfg.Mapper.Map(cfg.Self, cfg.Owner, ref, false)
		if err != nil {
			return nil, err
		}
		dirRefs = append(dirRefs, ref)
		return page, nil
	}
	handles, err := cfg.Codec.Decode(pagedir.Handle(first), n, fetch)
	for _, ref := range dirRefs {
		if uerr := cfg.Mapper.Unmap(cfg.Self, cfg.Owner, ref); uerr != nil {
			log.Warn("shbuf: unmap directory page", "owner", cfg.Owner, "ref", ref, "err", uerr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("shbuf: decode chain from dom %d ref %d: %w", cfg.Owner, first, err)
	}
	if cfg.Auth != nil {
		if err := cfg.Auth.Verify(handles, tag); err != nil {
			return nil, fmt.Errorf("shbuf: chain from dom %d ref %d: %w", cfg.Owner, first, err)
		}
	}

	m := &Mapping{cfg: cfg, refs: make([]grant.Ref, 0, len(handles)), pages: make([]mem.Page, 0, len(handles))}
	for _, h := range handles {
		if h > pagedir.Handle(^grant.Ref(0)) {
			m.Close()
			return nil, fmt.Errorf("shbuf: handle %d out of range: %w", h, grant.ErrInvalidRef)
		}
		ref := grant.Ref(h)
		page, err := cfg.Mapper.Map(cfg.Self, cfg.Owner, ref, cfg.Write)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("shbuf: map data page ref %d: %w", ref, err)
		}
		if len(page) != cfg.Codec.PageSize {
			if uerr := cfg.Mapper.Unmap(cfg.Self, cfg.Owner, ref); uerr != nil {
				log.Warn("shbuf: unmap data page", "owner", cfg.Owner, "ref", ref, "err", uerr)
			}
			m.Close()
			return nil, fmt.Errorf("shbuf: data page ref %d has size %d, want %d", ref, len(page), cfg.Codec.PageSize)
		}
		m.refs = append(m.refs, ref)
		m.pages = append(m.pages, page)
	}
	return m, nil
}

// Pages returns the mapped data pages.
func (m *Mapping) Pages() []mem.Page { return m.pages }

// Refs returns the data page handles in buffer order.
func (m *Mapping) Refs() []grant.Ref { return m.refs }

// Vector returns the mapped pages as one address space.
func (m *Mapping) Vector() (*mem.Vector, error) { return mem.NewVector(m.pages) }

// Close unmaps every data page. It is safe to call more than once.
func (m *Mapping) Close() error {
	var errs []error
	for _, ref := range m.refs {
		if err := m.cfg.Mapper.Unmap(m.cfg.Self, m.cfg.Owner, ref); err != nil {
			errs = append(errs, err)
		}
	}
	m.refs = nil
	m.pages = nil
	return errors.Join(errs...)
}
