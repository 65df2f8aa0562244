// Package objectpool lists and reads the text-bearing objects the pipeline scans.
package objectpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrTooLarge is returned when an object exceeds the configured size cap.
var ErrTooLarge = errors.New("object exceeds size limit")

// Object is a named entry in the pool.
type Object struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// Source is a listable container of objects with downloadable text content.
type Source interface {
	// Account is the storage account or endpoint label recorded as storageAreaName.
	Account() string
	// Container is the bucket or container name recorded as storageAreaContainer.
	Container() string
	// List returns every object currently in the pool.
	List(ctx context.Context) ([]Object, error)
	// ReadText downloads the object's content.
	ReadText(ctx context.Context, key string) (string, error)
}

// MemorySource is an in-process Source, used by tests and local runs.
type MemorySource struct {
	account   string
	container string

	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	content      string
	lastModified time.Time
}

var _ Source = (*MemorySource)(nil)

// NewMemorySource creates an empty in-memory pool.
func NewMemorySource(account, container string) *MemorySource {
	return &MemorySource{
		account:   account,
		container: container,
		objects:   make(map[string]memoryObject),
	}
}

// Put adds or replaces an object.
func (s *MemorySource) Put(key, content string, lastModified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memoryObject{content: content, lastModified: lastModified}
}

// Account returns the pool's account label.
func (s *MemorySource) Account() string { return s.account }

// Container returns the pool's container label.
func (s *MemorySource) Container() string { return s.container }

// List returns the stored objects ordered by key.
func (s *MemorySource) List(_ context.Context) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Object, 0, len(s.objects))
	for key, obj := range s.objects {
		out = append(out, Object{Key: key, LastModified: obj.lastModified, Size: int64(len(obj.content))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ReadText returns an object's content.
func (s *MemorySource) ReadText(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return "", fmt.Errorf("object %s not found", key)
	}
	return obj.content, nil
}
