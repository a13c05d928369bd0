package locker

import (
	"context"
	"sync"
)

type scopeKey struct{}

// Scope caches the handles acquired during one logical call. It replaces a
// per-thread handle map: a later Unlock or IsHeld with the same key resolves
// to the handle this call acquired, never to another caller's.
type Scope struct {
	mu      sync.Mutex
	handles map[string]*handle
}

type handle struct {
	holds   int
	release func(ctx context.Context) error
}

// NewScope returns a child context carrying a fresh, empty Scope.
func NewScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, &Scope{handles: make(map[string]*handle)})
}

// ScopeFrom returns the Scope carried by ctx.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)

	return s, ok
}

func scopeOf(ctx context.Context) (*Scope, error) {
	s, ok := ScopeFrom(ctx)
	if !ok {
		return nil, ErrNoScope
	}

	return s, nil
}

// reenter bumps the hold count of an existing handle.
func (s *Scope) reenter(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[key]
	if !ok {
		return false
	}
	h.holds++

	return true
}

func (s *Scope) put(key string, release func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handles[key] = &handle{holds: 1, release: release}
}

// Held reports whether the scope holds a handle for the namespaced key.
func (s *Scope) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.handles[key]

	return ok
}

// Len returns the number of handles still held.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.handles)
}

// drop decrements the hold count and returns the release func once it
// reaches zero. It returns nil when nothing has to be released remotely.
func (s *Scope) drop(key string) func(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[key]
	if !ok {
		return nil
	}
	h.holds--
	if h.holds > 0 {
		return nil
	}
	delete(s.handles, key)

	return h.release
}
