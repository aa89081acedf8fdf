package postgres

import (
	"context"
	"fmt"
)

// EnsureSchema creates the schema, tables and indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	method TEXT NOT NULL,
	page_kind TEXT NOT NULL,
	search_mode TEXT NOT NULL DEFAULT '',
	fetched_at TEXT NOT NULL,
	doc JSONB NOT NULL
)`, s.table("raw_pages")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS raw_pages_kind_fetched_idx ON %s (page_kind, fetched_at DESC)`,
			s.table("raw_pages")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS raw_pages_url_method_idx ON %s (url, method)`, s.table("raw_pages")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	relator TEXT,
	data_autuacao TEXT,
	doc JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table("processos")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS processos_relator_data_idx ON %s (relator, data_autuacao DESC)`,
			s.table("processos")),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
