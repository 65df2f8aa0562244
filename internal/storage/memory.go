package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/cyderes/findings-ingestion-service/internal/models"
)

// MemoryStorage keeps findings in process memory. It backs local runs and tests.
type MemoryStorage struct {
	mu       sync.RWMutex
	findings map[string]models.FindingRecord
	status   *models.IngestionStatus
	schema   *Schema
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{findings: make(map[string]models.FindingRecord)}
}

// EnsureSchema records the schema. There is nothing to create.
func (m *MemoryStorage) EnsureSchema(_ context.Context, schema Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.schema == nil {
		m.schema = &schema
	}
	return nil
}

// UpsertFinding stores a copy of record, replacing any with the same id.
func (m *MemoryStorage) UpsertFinding(_ context.Context, record models.FindingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findings[record.ID] = record
	return nil
}

// GetFindingByID returns nil when id is unknown.
func (m *MemoryStorage) GetFindingByID(_ context.Context, id string) (*models.FindingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.findings[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// GetFindings returns matches ordered by id.
func (m *MemoryStorage) GetFindings(_ context.Context, filter models.FindingFilter, limit int, offset int) ([]models.FindingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []models.FindingRecord
	for _, rec := range m.findings {
		if matchesFilter(rec, filter) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	if offset >= len(matched) {
		return []models.FindingRecord{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// UpdateIngestionStatus replaces the status.
func (m *MemoryStorage) UpdateIngestionStatus(_ context.Context, status models.IngestionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = &status
	return nil
}

// GetIngestionStatus returns never_run until a status is stored.
func (m *MemoryStorage) GetIngestionStatus(_ context.Context) (*models.IngestionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == nil {
		return &models.IngestionStatus{Status: "never_run"}, nil
	}
	status := *m.status
	return &status, nil
}

// Close is a no-op.
func (m *MemoryStorage) Close() error { return nil }

// Len returns the number of stored findings.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.findings)
}

func matchesFilter(rec models.FindingRecord, f models.FindingFilter) bool {
	checks := []struct{ want, got string }{
		{f.Subscription, rec.Subscription},
		{f.ResourceGroup, rec.ResourceGroup},
		{f.StorageAreaName, rec.StorageAreaName},
		{f.StorageAreaContainer, rec.StorageAreaContainer},
		{f.FileName, rec.FileName},
		{f.Operation, string(rec.Operation)},
		{f.FieldName, rec.FieldName},
		{f.FieldType, rec.FieldType},
	}
	for _, c := range checks {
		if c.want != "" && c.want != c.got {
			return false
		}
	}
	return true
}
