// Package shbuf shares multi-page buffers with a peer domain.
//
// A Buffer grants every data page to the peer, writes the data page handles
// into a chain of directory pages and grants those too. The handle of the
// first directory page is the only reference that crosses the boundary; the
// peer resolves it with Import.
package shbuf

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/pvz/internal/grant"
	"github.com/tinyrange/pvz/internal/mem"
	"github.com/tinyrange/pvz/internal/pagedir"
)

// Granter issues and revokes peer handles. *grant.Table implements it.
type Granter interface {
	Dom() grant.DomID
	Reserve(n int) ([]grant.Ref, error)
	Release(refs []grant.Ref)
	Grant(ref grant.Ref, peer grant.DomID, page mem.Page, readOnly bool) error
	Revoke(ref grant.Ref) error
}

// Config is shared by every buffer a driver creates.
type Config struct {
	Granter Granter
	Alloc   mem.Allocator
	Codec   pagedir.Codec

	// ReadOnly grants data pages without write access.
	ReadOnly bool

	// Auth, when set, tags each buffer's handle list.
	Auth *pagedir.Authenticator

	Logger *slog.Logger
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Buffer is one shared memory region.
type Buffer struct {
	cfg  Config
	peer grant.DomID

	pages    []mem.Page
	dirPages []mem.Page
	owned    bool

	// handles holds the directory page refs followed by the data page refs.
	handles []grant.Ref
	tag     pagedir.Tag
}

// Create allocates ceil(size/PageSize) pages and shares them with peer.
func Create(cfg Config, size int, peer grant.DomID) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shbuf: %w: size %d", pagedir.ErrCapacity, size)
	}
	n := (size + cfg.Codec.PageSize - 1) / cfg.Codec.PageSize
	pages, err := cfg.Alloc.Alloc(n)
	if err != nil {
		return nil, fmt.Errorf("shbuf: allocate %d data pages: %w", n, err)
	}
	b, err := build(cfg, pages, peer, true)
	if err != nil {
		cfg.Alloc.Free(pages)
		return nil, err
	}
	return b, nil
}

// CreateFromPages shares caller-owned pages with peer. Destroy never frees
// them.
func CreateFromPages(cfg Config, pages []mem.Page, peer grant.DomID) (*Buffer, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("shbuf: %w: no pages", pagedir.ErrCapacity)
	}
	for i, p := range pages {
		if len(p) != cfg.Codec.PageSize {
			return nil, fmt.Errorf("shbuf: page %d has size %d, want %d", i, len(p), cfg.Codec.PageSize)
		}
	}
	return build(cfg, pages, peer, false)
}

func build(cfg Config, pages []mem.Page, peer grant.DomID, owned bool) (*Buffer, error) {
	codec := cfg.Codec
	nDir := codec.DirPages(len(pages))

	dirPages, err := cfg.Alloc.Alloc(nDir)
	if err != nil {
		return nil, fmt.Errorf("shbuf: allocate %d directory pages: %w", nDir, err)
	}

	refs, err := cfg.Granter.Reserve(nDir + len(pages))
	if err != nil {
		cfg.Alloc.Free(dirPages)
		return nil, fmt.Errorf("shbuf: reserve %d refs: %w", nDir+len(pages), err)
	}
	dirRefs, dataRefs := refs[:nDir], refs[nDir:]

	chain, err := codec.Encode(toHandles(dataRefs), toHandles(dirRefs))
	if err == nil {
		for i, d := range chain {
			if err = codec.Marshal(d, dirPages[i]); err != nil {
				break
			}
		}
	}
	if err != nil {
		cfg.Granter.Release(refs)
		cfg.Alloc.Free(dirPages)
		return nil, fmt.Errorf("shbuf: encode directory: %w", err)
	}

	// Data pages first, then the directory pages that point at them.
	granted := 0
	grantAll := func(refs []grant.Ref, pages []mem.Page, readOnly bool) error {
		for i, ref := range refs {
			if err := cfg.Granter.Grant(ref, peer, pages[i], readOnly); err != nil {
				return err
			}
			granted++
		}
		return nil
	}
	err = grantAll(dataRefs, pages, cfg.ReadOnly)
	if err == nil {
		err = grantAll(dirRefs, dirPages, true)
	}
	if err != nil {
		order := append(append([]grant.Ref(nil), dataRefs...), dirRefs...)
		for _, ref := range order[:granted] {
			if rerr := cfg.Granter.Revoke(ref); rerr != nil {
				cfg.logger().Warn("shbuf: rollback revoke", "ref", ref, "err", rerr)
			}
		}
		cfg.Granter.Release(order[granted:])
		cfg.Alloc.Free(dirPages)
		return nil, fmt.Errorf("shbuf: grant %d pages to dom %d: %w", len(refs), peer, err)
	}

	b := &Buffer{
		cfg:      cfg,
		peer:     peer,
		pages:    pages,
		dirPages: dirPages,
		owned:    owned,
		handles:  refs,
	}
	if cfg.Auth != nil {
		b.tag = cfg.Auth.Sum(toHandles(dataRefs))
	}
	return b, nil
}

// FirstHandle returns the handle of the first directory page, or
// grant.InvalidRef for an empty or destroyed buffer.
func (b *Buffer) FirstHandle() grant.Ref {
	if len(b.handles) == 0 {
		return grant.InvalidRef
	}
	return b.handles[0]
}

// Handles returns the directory page handles followed by the data page
// handles. Revoked handles read as grant.InvalidRef.
func (b *Buffer) Handles() []grant.Ref { return b.handles }

// NumPages is the number of data pages.
func (b *Buffer) NumPages() int { return len(b.pages) }

// NumDirPages is the number of directory pages.
func (b *Buffer) NumDirPages() int { return len(b.dirPages) }

// Pages returns the data pages.
func (b *Buffer) Pages() []mem.Page { return b.pages }

// Peer is the domain the buffer is shared with.
func (b *Buffer) Peer() grant.DomID { return b.peer }

// Tag returns the chain tag. ok is false when no Authenticator was set.
func (b *Buffer) Tag() (tag pagedir.Tag, ok bool) {
	return b.tag, b.cfg.Auth != nil
}

// Vector returns the data pages as one address space.
func (b *Buffer) Vector() (*mem.Vector, error) { return mem.NewVector(b.pages) }

// Destroy revokes every handle, frees the directory pages and, if the
// buffer allocated them, the data pages. Revocation is best effort: a page
// whose handle cannot be revoked is not returned to the allocator. Calling
// Destroy again is a no-op.
func (b *Buffer) Destroy() error {
	if b.handles == nil {
		return nil
	}
	log := b.cfg.logger()
	nDir := len(b.dirPages)
	var errs []error
	leaked := make(map[int]bool)
	for i, ref := range b.handles {
		if ref == grant.InvalidRef {
			continue
		}
		if err := b.cfg.Granter.Revoke(ref); err != nil {
			log.Warn("shbuf: revoke", "ref", ref, "peer", b.peer, "err", err)
			errs = append(errs, err)
			leaked[i] = true
		}
		b.handles[i] = grant.InvalidRef
	}

	b.cfg.Alloc.Free(keep(b.dirPages, leaked, 0))
	if b.owned {
		b.cfg.Alloc.Free(keep(b.pages, leaked, nDir))
	}
	if len(leaked) > 0 {
		log.Warn("shbuf: pages still mapped by peer left allocated", "count", len(leaked), "peer", b.peer)
	}

	b.handles = nil
	b.dirPages = nil
	b.pages = nil
	return errors.Join(errs...)
}

// keep returns the pages whose handle index (base+i) is not in skip.
func keep(pages []mem.Page, skip map[int]bool, base int) []mem.Page {
	if len(skip) == 0 {
		return pages
	}
	out := make([]mem.Page, 0, len(pages))
	for i, p := range pages {
		if !skip[base+i] {
			out = append(out, p)
		}
	}
	return out
}

func toHandles(refs []grant.Ref) []pagedir.Handle {
	out := make([]pagedir.Handle, len(refs))
	for i, r := range refs {
		out[i] = pagedir.Handle(r)
	}
	return out
}
