package changes

import (
	"context"
	"sync"
	"time"
)

// CheckpointStore records, per object id, the time the object was last picked up for
// processing. Implementations must be safe for concurrent use.
type CheckpointStore interface {
	// Load returns the recorded time for objectID and whether one exists.
	Load(ctx context.Context, objectID string) (time.Time, bool, error)

	// Save records processedAt for objectID, replacing any earlier entry.
	Save(ctx context.Context, objectID string, processedAt time.Time) error

	// Close releases resources held by the store.
	Close() error
}

// MemoryStore is a process-local CheckpointStore. Entries are lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]time.Time
}

var _ CheckpointStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]time.Time)}
}

// Load returns the recorded time for objectID.
func (s *MemoryStore) Load(_ context.Context, objectID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.checkpoints[objectID]
	return ts, ok, nil
}

// Save records processedAt, in UTC, for objectID.
func (s *MemoryStore) Save(_ context.Context, objectID string, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[objectID] = processedAt.UTC()
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
