package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
)

// RecordStore keeps one CaseRecord per id.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]crawler.CaseRecord
}

// NewRecordStore creates an empty record store.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]crawler.CaseRecord)}
}

// Upsert replaces the record stored under id.
func (s *RecordStore) Upsert(_ context.Context, id string, record crawler.CaseRecord) (crawler.UpsertAction, error) {
	if id == "" {
		return "", fmt.Errorf("%w: record id is required", crawler.ErrPersistence)
	}
	stored := record.Clone()
	stored.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.records[id]
	s.records[id] = stored
	if exists {
		return crawler.UpsertUpdated, nil
	}
	return crawler.UpsertInserted, nil
}

// Get returns a copy of the record stored under id.
func (s *RecordStore) Get(_ context.Context, id string) (crawler.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return crawler.CaseRecord{}, fmt.Errorf("record %s: %w", id, crawler.ErrNotFound)
	}
	return rec.Clone(), nil
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
