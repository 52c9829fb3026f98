package pagedir

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

// chainStore plays the peer: it holds marshalled directory pages by handle.
type chainStore struct {
	codec   Codec
	pages   map[Handle][]byte
	fetched int
}

func newChainStore(c Codec) *chainStore {
	return &chainStore{codec: c, pages: make(map[Handle][]byte)}
}

func (s *chainStore) put(t *testing.T, h Handle, d Directory) {
	t.Helper()
	page := make([]byte, s.codec.PageSize)
	if err := s.codec.Marshal(d, page); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s.pages[h] = page
}

func (s *chainStore) fetch(h Handle) ([]byte, error) {
	s.fetched++
	page, ok := s.pages[h]
	if !ok {
		return nil, fmt.Errorf("no page for handle %d", h)
	}
	return page, nil
}

func sequence(start, n int) []Handle {
	out := make([]Handle, n)
	for i := range out {
		out[i] = Handle(start + i)
	}
	return out
}

func mustCodec(t *testing.T, pageSize, handleSize int) Codec {
	t.Helper()
	c, err := New(pageSize, handleSize)
	if err != nil {
		t.Fatalf("New(%d, %d): %v", pageSize, handleSize, err)
	}
	return c
}

func TestRoundTrip(t *testing.T) {
	for _, handleSize := range []int{4, 8} {
		c := mustCodec(t, 64, handleSize)
		per := c.PerPage()
		for n := 1; n <= 10*per; n++ {
			data := sequence(1000, n)
			dirs := sequence(1, c.DirPages(n))

			chain, err := c.Encode(data, dirs)
			if err != nil {
				t.Fatalf("handle size %d, n=%d: Encode: %v", handleSize, n, err)
			}
			if len(chain) != (n+per-1)/per {
				t.Fatalf("n=%d: %d directory pages, want %d", n, len(chain), (n+per-1)/per)
			}

			store := newChainStore(c)
			for i, d := range chain {
				store.put(t, dirs[i], d)
			}
			got, err := c.Decode(dirs[0], n, store.fetch)
			if err != nil {
				t.Fatalf("handle size %d, n=%d: Decode: %v", handleSize, n, err)
			}
			if len(got) != n {
				t.Fatalf("n=%d: decoded %d handles", n, len(got))
			}
			for i := range got {
				if got[i] != data[i] {
					t.Fatalf("n=%d: handle %d = %d, want %d", n, i, got[i], data[i])
				}
			}
		}
	}
}

func TestEncodeCapacity(t *testing.T) {
	c := mustCodec(t, 64, 4)

	if _, err := c.Encode(nil, nil); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Encode(empty): got %v, want ErrCapacity", err)
	}
	if _, err := c.Encode(sequence(1, 20), sequence(100, 1)); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Encode with too few directory handles: got %v", err)
	}
	if _, err := c.Encode([]Handle{1, Invalid}, sequence(100, 1)); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Encode with invalid data handle: got %v", err)
	}

	page := make([]byte, 64)
	if err := c.Marshal(Directory{Handles: []Handle{1 << 33}}, page); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Marshal of wide handle: got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	c := mustCodec(t, 64, 4)
	per := c.PerPage()

	t.Run("ChainEndsEarly", func(t *testing.T) {
		store := newChainStore(c)
		store.put(t, 1, Directory{Next: Invalid, Handles: sequence(100, per)})
		if _, err := c.Decode(1, per+1, store.fetch); !errors.Is(err, ErrChainTruncated) {
			t.Fatalf("got %v, want ErrChainTruncated", err)
		}
	})

	t.Run("ShortLastPage", func(t *testing.T) {
		store := newChainStore(c)
		store.put(t, 1, Directory{Next: Invalid, Handles: sequence(100, 3)})
		if _, err := c.Decode(1, 4, store.fetch); !errors.Is(err, ErrChainTruncated) {
			t.Fatalf("got %v, want ErrChainTruncated", err)
		}
	})

	t.Run("InvalidRoot", func(t *testing.T) {
		store := newChainStore(c)
		if _, err := c.Decode(Invalid, 1, store.fetch); !errors.Is(err, ErrChainTruncated) {
			t.Fatalf("got %v, want ErrChainTruncated", err)
		}
		if store.fetched != 0 {
			t.Fatalf("fetched %d pages for an invalid root", store.fetched)
		}
	})

	t.Run("ZeroExpected", func(t *testing.T) {
		store := newChainStore(c)
		if _, err := c.Decode(1, 0, store.fetch); !errors.Is(err, ErrCapacity) {
			t.Fatalf("got %v, want ErrCapacity", err)
		}
	})
}

func TestDecodeOverrunIsBounded(t *testing.T) {
	c := mustCodec(t, 64, 4)
	per := c.PerPage()

	// A chain that links to itself forever.
	store := newChainStore(c)
	store.put(t, 1, Directory{Next: 1, Handles: sequence(100, per)})

	_, err := c.Decode(1, 2*per, store.fetch)
	if !errors.Is(err, ErrChainOverrun) {
		t.Fatalf("got %v, want ErrChainOverrun", err)
	}
	if store.fetched != c.DirPages(2*per) {
		t.Fatalf("fetched %d pages, want %d", store.fetched, c.DirPages(2*per))
	}
}

func TestDecodeHugeExpectedCount(t *testing.T) {
	c := mustCodec(t, 64, 4)
	per := c.PerPage()

	store := newChainStore(c)
	store.put(t, 1, Directory{Next: Invalid, Handles: sequence(100, per)})

	// The count comes from the peer; only the one real page may be read and
	// nothing sized by the count may be allocated up front.
	allocs := testing.AllocsPerRun(1, func() {
		if _, err := c.Decode(1, math.MaxInt32, store.fetch); !errors.Is(err, ErrChainTruncated) {
			t.Fatalf("got %v, want ErrChainTruncated", err)
		}
	})
	if store.fetched != 2 {
		t.Fatalf("fetched %d pages, want 1 per run", store.fetched/2)
	}
	if allocs > 20 {
		t.Fatalf("Decode made %v allocations", allocs)
	}
}

func TestDirPagesSizing(t *testing.T) {
	c := mustCodec(t, 2004, 4)
	if c.PerPage() != 500 {
		t.Fatalf("PerPage = %d, want 500", c.PerPage())
	}
	tests := []struct{ n, want int }{
		{0, 0}, {1, 1}, {6, 1}, {500, 1}, {501, 2}, {1500, 3},
	}
	for _, tt := range tests {
		if got := c.DirPages(tt.n); got != tt.want {
			t.Errorf("DirPages(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestAuthenticator(t *testing.T) {
	a, err := NewAuthenticator([]byte("channel key"))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	handles := sequence(7, 40)
	tag := a.Sum(handles)

	if err := a.Verify(handles, tag); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	tampered := append([]Handle(nil), handles...)
	tampered[3]++
	if err := a.Verify(tampered, tag); !errors.Is(err, ErrChainAuth) {
		t.Fatalf("Verify(tampered): got %v, want ErrChainAuth", err)
	}
	if err := a.Verify(handles[:39], tag); !errors.Is(err, ErrChainAuth) {
		t.Fatalf("Verify(prefix): got %v, want ErrChainAuth", err)
	}

	if _, err := NewAuthenticator(nil); err == nil {
		t.Fatalf("NewAuthenticator(nil) succeeded")
	}
}
