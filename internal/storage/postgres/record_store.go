package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
)

// Upsert writes the full record under id in a single statement. xmax is zero
// only for freshly inserted tuples, which distinguishes insert from update.
func (s *Store) Upsert(ctx context.Context, id string, record crawler.CaseRecord) (crawler.UpsertAction, error) {
	if id == "" {
		return "", fmt.Errorf("%w: record id is required", crawler.ErrPersistence)
	}
	record.ID = id
	doc, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal case record: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, relator, data_autuacao, doc, updated_at)
VALUES ($1,$2,$3,$4,now())
ON CONFLICT (id) DO UPDATE SET
	relator = EXCLUDED.relator,
	data_autuacao = EXCLUDED.data_autuacao,
	doc = EXCLUDED.doc,
	updated_at = now()
RETURNING (xmax = 0) AS inserted`, s.table("processos"))

	var inserted bool
	if err := s.pool.QueryRow(ctx, query, id, record.Reporter, record.FilingDate, doc).Scan(&inserted); err != nil {
		return "", fmt.Errorf("%w: upsert case record %s: %w", crawler.ErrPersistence, id, err)
	}
	if inserted {
		return crawler.UpsertInserted, nil
	}
	return crawler.UpsertUpdated, nil
}

// Get loads the record stored under id.
func (s *Store) Get(ctx context.Context, id string) (crawler.CaseRecord, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.table("processos"))
	var doc []byte
	if err := s.pool.QueryRow(ctx, query, id).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.CaseRecord{}, fmt.Errorf("record %s: %w", id, crawler.ErrNotFound)
		}
		return crawler.CaseRecord{}, fmt.Errorf("%w: load case record %s: %w", crawler.ErrPersistence, id, err)
	}
	var record crawler.CaseRecord
	if err := json.Unmarshal(doc, &record); err != nil {
		return crawler.CaseRecord{}, fmt.Errorf("decode case record %s: %w", id, err)
	}
	return record, nil
}
