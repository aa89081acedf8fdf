package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	"github.com/JakeFAU/trf5-crawler/internal/metrics"
)

// Writer projects archived pages and persists the resulting records. It is the
// single write path shared by the crawl and reprocessing.
type Writer struct {
	records   crawler.RecordStore
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewWriter builds a Writer. publisher may be nil, in which case no events are sent.
func NewWriter(records crawler.RecordStore, publisher crawler.Publisher, topic string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{records: records, publisher: publisher, topic: topic, logger: logger}
}

// Project runs Build and reports its warnings.
func (w *Writer) Project(page crawler.RawPage) (Result, error) {
	res, err := Build(page)
	for _, warning := range res.Warnings {
		metrics.ObserveWarning(baseField(warning.Field))
		w.logger.Warn("extraction warning",
			zap.String("numero", res.Record.CaseNumber),
			zap.String("url", page.URL),
			zap.String("warning", warning.String()),
		)
	}
	return res, err
}

// Write upserts record and publishes a RecordEvent. Publish failures are logged only.
func (w *Writer) Write(ctx context.Context, record crawler.CaseRecord) (crawler.UpsertAction, error) {
	if w.records == nil {
		return "", fmt.Errorf("%w: record store is not configured", crawler.ErrPersistence)
	}
	action, err := w.records.Upsert(ctx, record.ID, record)
	if err != nil {
		return "", fmt.Errorf("upsert %s: %w", record.ID, err)
	}
	metrics.ObserveUpsert(string(action))
	w.publish(ctx, crawler.RecordEvent{
		ID:        record.ID,
		Action:    action,
		SourceURL: record.SourceURL,
		ScrapedAt: record.ScrapedAt,
	})
	return action, nil
}

func (w *Writer) publish(ctx context.Context, event crawler.RecordEvent) {
	if w.publisher == nil || w.topic == "" {
		return
	}
	if _, err := w.publisher.Publish(ctx, w.topic, event); err != nil {
		w.logger.Warn("publish record event failed",
			zap.String("numero", event.ID),
			zap.String("topic", w.topic),
			zap.Error(err),
		)
	}
}

// baseField drops list indexes so metric labels stay bounded.
func baseField(field string) string {
	if i := strings.IndexByte(field, '['); i >= 0 {
		return field[:i]
	}
	return field
}
