// Package xenbus is the key/value store the two ends of a device use to
// find each other: each end publishes its state and the backend reads the
// connection record the frontend writes.
package xenbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound          = errors.New("xenbus: path not found")
	ErrInvalidTransition = errors.New("xenbus: invalid state transition")
	ErrIncompatible      = errors.New("xenbus: incompatible protocol versions")
)

// watchBuffer is the number of undelivered events a watch holds before it
// starts dropping them.
const watchBuffer = 64

// Store is an in-process hierarchical store. Paths are slash separated.
type Store struct {
	mu      sync.Mutex
	data    map[string][]byte
	watches map[*Watch]struct{}
	log     *slog.Logger
}

func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		data:    make(map[string][]byte),
		watches: make(map[*Watch]struct{}),
		log:     logger,
	}
}

// Join builds a path from its elements.
func Join(elem ...string) string {
	return strings.Join(elem, "/")
}

func (s *Store) Write(path string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), value...)
	s.fire(path)
}

func (s *Store) Read(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return append([]byte(nil), v...), nil
}

// Remove deletes path and everything below it.
func (s *Store) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := path + "/"
	for k := range s.data {
		if k == path || strings.HasPrefix(k, prefix) {
			delete(s.data, k)
			s.fire(k)
		}
	}
}

// List returns the direct children of dir in sorted order.
func (s *Store) List(dir string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := dir + "/"
	seen := make(map[string]struct{})
	for k := range s.data {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		child, _, _ := strings.Cut(rest, "/")
		seen[child] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Watch delivers the paths written or removed at or below a prefix.
type Watch struct {
	store  *Store
	prefix string
	ch     chan string
	once   sync.Once
}

// Watch registers a watch on prefix. The current value, if any, is reported
// immediately so a watcher never misses a write that raced its
// registration.
func (s *Store) Watch(prefix string) *Watch {
	w := &Watch{store: s, prefix: prefix, ch: make(chan string, watchBuffer)}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watches[w] = struct{}{}
	w.ch <- prefix
	return w
}

// C receives the changed paths. It is closed by Close.
func (w *Watch) C() <-chan string { return w.ch }

func (w *Watch) Close() {
	w.once.Do(func() {
		w.store.mu.Lock()
		delete(w.store.watches, w)
		w.store.mu.Unlock()
		close(w.ch)
	})
}

func (w *Watch) matches(path string) bool {
	return path == w.prefix || strings.HasPrefix(path, w.prefix+"/")
}

// fire is called with s.mu held.
func (s *Store) fire(path string) {
	for w := range s.watches {
		if !w.matches(path) {
			continue
		}
		select {
		case w.ch <- path:
		default:
			s.log.Warn("xenbus: watch event dropped", "prefix", w.prefix, "path", path)
		}
	}
}

// WaitFor blocks until cond holds for the value at path or ctx is done.
// cond sees a nil value while the path does not exist.
func (s *Store) WaitFor(ctx context.Context, path string, cond func([]byte) bool) ([]byte, error) {
	w := s.Watch(path)
	defer w.Close()
	for {
		v, err := s.Read(path)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if cond(v) {
			return v, nil
		}
		select {
		case <-w.C():
		case <-ctx.Done():
			return nil, fmt.Errorf("xenbus: wait for %s: %w", path, ctx.Err())
		}
	}
}
