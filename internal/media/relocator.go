// Package media moves clip objects between staging and production prefixes
// in the object store and issues URLs for the production copies.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrObjectNotFound is returned when a move source does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Relocator is the object-store contract the approval workflow depends on.
// Move must leave the object solely at dst on success and solely at src on failure.
type Relocator interface {
	Move(ctx context.Context, src, dst string) error
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
	PublicURL(path string) string
}

// MemoryRelocator is an in-process object store used in dev mode and tests.
type MemoryRelocator struct {
	mu      sync.Mutex
	objects map[string]struct{}
	baseURL string
	moves   int

	// FailMove, when set, is consulted before every move; a non-nil
	// error aborts the move with the object left at src.
	FailMove func(src, dst string) error
	// SignUnavailable makes SignedURL fail so callers fall back to public URLs.
	SignUnavailable bool
}

// NewMemoryRelocator creates an empty store whose public URLs live under baseURL.
func NewMemoryRelocator(baseURL string) *MemoryRelocator {
	return &MemoryRelocator{
		objects: make(map[string]struct{}),
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// Put adds an object.
func (m *MemoryRelocator) Put(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = struct{}{}
}

// Exists reports whether an object is stored at path.
func (m *MemoryRelocator) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok
}

// Moves returns how many moves have succeeded.
func (m *MemoryRelocator) Moves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moves
}

func (m *MemoryRelocator) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailMove != nil {
		if err := m.FailMove(src, dst); err != nil {
			return err
		}
	}
	if _, ok := m.objects[src]; !ok {
		return fmt.Errorf("move %s: %w", src, ErrObjectNotFound)
	}
	delete(m.objects, src)
	m.objects[dst] = struct{}{}
	m.moves++
	return nil
}

func (m *MemoryRelocator) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if m.SignUnavailable {
		return "", errors.New("signing unavailable")
	}
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%s?expires=%d", m.PublicURL(path), expires), nil
}

func (m *MemoryRelocator) PublicURL(path string) string {
	return m.baseURL + "/" + escapePath(path)
}

// escapePath escapes each segment of an object path, keeping the slashes.
func escapePath(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
