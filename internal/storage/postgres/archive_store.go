package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
)

// Append inserts the page as a new row.
func (s *Store) Append(ctx context.Context, page crawler.RawPage) (string, error) {
	if err := page.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", crawler.ErrPersistence, err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("%w: generate archive id: %w", crawler.ErrPersistence, err)
	}
	page.ID = ""
	doc, err := json.Marshal(page)
	if err != nil {
		return "", fmt.Errorf("marshal raw page: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, url, method, page_kind, search_mode, fetched_at, doc)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, s.table("raw_pages"))

	args := []any{
		id,
		page.URL,
		page.Method,
		string(page.Context.Kind),
		string(page.Context.Search),
		page.FetchedAt,
		doc,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return "", fmt.Errorf("%w: insert raw page: %w", crawler.ErrPersistence, err)
	}
	return id, nil
}

// List returns archived pages newest first.
func (s *Store) List(ctx context.Context, filter crawler.ArchiveFilter) ([]crawler.RawPage, error) {
	query := fmt.Sprintf(`
SELECT id, doc FROM %s
WHERE ($1 = '' OR page_kind = $1) AND ($2 = '' OR search_mode = $2)
ORDER BY fetched_at DESC, id DESC
OFFSET $3 LIMIT $4`, s.table("raw_pages"))

	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := s.pool.Query(ctx, query, string(filter.Kind), string(filter.Search), filter.Skip, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query raw pages: %w", crawler.ErrPersistence, err)
	}
	defer rows.Close()

	pages := []crawler.RawPage{}
	for rows.Next() {
		var (
			id  string
			doc []byte
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("%w: scan raw page: %w", crawler.ErrPersistence, err)
		}
		var page crawler.RawPage
		if err := json.Unmarshal(doc, &page); err != nil {
			return nil, fmt.Errorf("decode raw page %s: %w", id, err)
		}
		page.ID = id
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate raw pages: %w", crawler.ErrPersistence, err)
	}
	return pages, nil
}
