// Package blob stores the intermediate and result files of exports.
//
// Files are addressed by a location string. Stores never lock: concurrent
// writers to one location race and the last rename wins, and deleting a
// missing location succeeds.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get when nothing is stored at the location.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidLocation is returned for locations that escape the store.
var ErrInvalidLocation = errors.New("invalid blob location")

// Store is a flat key/value blob store.
type Store interface {
	// Put stores the content of r at location and returns its size.
	Put(ctx context.Context, location string, r io.Reader) (int64, error)
	// Get opens the content stored at location.
	Get(ctx context.Context, location string) (io.ReadCloser, error)
	// Delete removes the content at location. Missing content is not an error.
	Delete(ctx context.Context, location string) error
}

// Resolver returns the store backing a task's bucket.
type Resolver interface {
	Bucket(id int) (Store, error)
}

// TaskLocation builds the location of a file owned by a task.
func TaskLocation(taskID uuid.UUID, name string) string {
	return path.Join("exports", taskID.String(), name)
}

// cleanLocation normalizes a location and rejects ones leaving the root.
func cleanLocation(location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLocation)
	}
	cleaned := path.Clean("/" + strings.ReplaceAll(location, "\\", "/"))
	if cleaned == "/" || strings.Contains(location, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}

// Buckets maps bucket ids to stores. Unregistered buckets use the fallback.
type Buckets struct {
	mu       sync.RWMutex
	stores   map[int]Store
	fallback Store
}

// NewBuckets creates a registry whose unregistered buckets resolve to
// fallback. A nil fallback makes unknown buckets an error.
func NewBuckets(fallback Store) *Buckets {
	return &Buckets{stores: make(map[int]Store), fallback: fallback}
}

// Register binds a bucket id to a store.
func (b *Buckets) Register(id int, s Store) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stores[id] = s
}

// Bucket implements Resolver.
func (b *Buckets) Bucket(id int) (Store, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.stores[id]; ok {
		return s, nil
	}
	if b.fallback != nil {
		return b.fallback, nil
	}
	return nil, fmt.Errorf("no blob store for bucket %d", id)
}
