package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
)

// ArchiveStore is an append-only in-memory page log.
type ArchiveStore struct {
	mu    sync.RWMutex
	ids   crawler.IDGenerator
	pages []crawler.RawPage
	seq   int
}

// NewArchiveStore creates an archive. When ids is nil, surrogate ids are
// sequential ("raw-1", "raw-2", ...).
func NewArchiveStore(ids crawler.IDGenerator) *ArchiveStore {
	return &ArchiveStore{ids: ids}
}

// Append stores a copy of page and returns its surrogate id.
func (s *ArchiveStore) Append(_ context.Context, page crawler.RawPage) (string, error) {
	if err := page.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", crawler.ErrPersistence, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := fmt.Sprintf("raw-%d", s.seq)
	if s.ids != nil {
		generated, err := s.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("%w: generate archive id: %w", crawler.ErrPersistence, err)
		}
		id = generated
	}
	stored := page.Clone()
	stored.ID = id
	s.pages = append(s.pages, stored)
	return id, nil
}

// List returns matching pages newest first. Pages with equal fetched_at keep
// reverse append order.
func (s *ArchiveStore) List(_ context.Context, filter crawler.ArchiveFilter) ([]crawler.RawPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]crawler.RawPage, 0, len(s.pages))
	for i := len(s.pages) - 1; i >= 0; i-- {
		if filter.Matches(s.pages[i]) {
			matched = append(matched, s.pages[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].FetchedAt > matched[j].FetchedAt
	})

	if filter.Skip >= len(matched) {
		return []crawler.RawPage{}, nil
	}
	if filter.Skip > 0 {
		matched = matched[filter.Skip:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	out := make([]crawler.RawPage, len(matched))
	for i, p := range matched {
		out[i] = p.Clone()
	}
	return out, nil
}

// Len returns the number of archived pages.
func (s *ArchiveStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}
