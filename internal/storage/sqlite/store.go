// Package sqlite provides an embedded ArchiveStore and RecordStore for
// single-node runs. Documents are kept as JSON text with the portal's field names.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
)

// Store implements crawler.ArchiveStore and crawler.RecordStore on SQLite.
type Store struct {
	db   *sql.DB
	path string
	ids  crawler.IDGenerator
}

// Open opens or creates the database file at path.
func Open(ctx context.Context, path string, ids crawler.IDGenerator) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; transactions below rely on it
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	s := &Store{db: db, path: path, ids: ids}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping sqlite: %w", crawler.ErrPersistence, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *Store) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS raw_pages (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		method TEXT NOT NULL,
		page_kind TEXT NOT NULL,
		search_mode TEXT NOT NULL DEFAULT '',
		fetched_at TEXT NOT NULL,
		doc TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_raw_pages_kind_fetched ON raw_pages(page_kind, fetched_at DESC);
	CREATE INDEX IF NOT EXISTS idx_raw_pages_url_method ON raw_pages(url, method);

	CREATE TABLE IF NOT EXISTS processos (
		id TEXT PRIMARY KEY,
		relator TEXT,
		data_autuacao TEXT,
		doc TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_processos_relator_data ON processos(relator, data_autuacao DESC);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("exec schema: %w", err)
	}
	return nil
}

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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO raw_pages (id, url, method, page_kind, search_mode, fetched_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, page.URL, page.Method, string(page.Context.Kind), string(page.Context.Search), page.FetchedAt, string(doc))
	if err != nil {
		return "", fmt.Errorf("%w: insert raw page: %w", crawler.ErrPersistence, err)
	}
	return id, nil
}

// List returns archived pages newest first.
func (s *Store) List(ctx context.Context, filter crawler.ArchiveFilter) ([]crawler.RawPage, error) {
	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc FROM raw_pages
		WHERE (? = '' OR page_kind = ?) AND (? = '' OR search_mode = ?)
		ORDER BY fetched_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		string(filter.Kind), string(filter.Kind), string(filter.Search), string(filter.Search), limit, filter.Skip)
	if err != nil {
		return nil, fmt.Errorf("%w: query raw pages: %w", crawler.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()

	pages := []crawler.RawPage{}
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("%w: scan raw page: %w", crawler.ErrPersistence, err)
		}
		var page crawler.RawPage
		if err := json.Unmarshal([]byte(doc), &page); err != nil {
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

// Upsert writes the full record under id inside a transaction.
func (s *Store) Upsert(ctx context.Context, id string, record crawler.CaseRecord) (crawler.UpsertAction, error) {
	if id == "" {
		return "", fmt.Errorf("%w: record id is required", crawler.ErrPersistence)
	}
	record.ID = id
	doc, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal case record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: begin upsert: %w", crawler.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM processos WHERE id = ?`, id).Scan(&exists); err != nil {
		return "", fmt.Errorf("%w: check case record %s: %w", crawler.ErrPersistence, id, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO processos (id, relator, data_autuacao, doc, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			relator = excluded.relator,
			data_autuacao = excluded.data_autuacao,
			doc = excluded.doc,
			updated_at = CURRENT_TIMESTAMP`,
		id, nullable(record.Reporter), nullable(record.FilingDate), string(doc))
	if err != nil {
		return "", fmt.Errorf("%w: upsert case record %s: %w", crawler.ErrPersistence, id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: commit case record %s: %w", crawler.ErrPersistence, id, err)
	}
	if exists > 0 {
		return crawler.UpsertUpdated, nil
	}
	return crawler.UpsertInserted, nil
}

// Get loads the record stored under id.
func (s *Store) Get(ctx context.Context, id string) (crawler.CaseRecord, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM processos WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.CaseRecord{}, fmt.Errorf("record %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CaseRecord{}, fmt.Errorf("%w: load case record %s: %w", crawler.ErrPersistence, id, err)
	}
	var record crawler.CaseRecord
	if err := json.Unmarshal([]byte(doc), &record); err != nil {
		return crawler.CaseRecord{}, fmt.Errorf("decode case record %s: %w", id, err)
	}
	return record, nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
