// Package reprocess replays archived pages through the projection used by the
// crawl. It reads the archive only and never fetches.
package reprocess

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/trf5-crawler/internal/classify"
	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	"github.com/JakeFAU/trf5-crawler/internal/pipeline"
)

// DefaultLimit is the number of archived pages replayed when Options.Limit is unset.
const DefaultLimit = 10

// Options selects the archive window to replay.
type Options struct {
	Limit  int
	Skip   int
	Kind   crawler.PageKind
	Search crawler.SearchMode
	// DryRun projects records without writing them.
	DryRun bool
}

// Report counts what a replay did.
type Report struct {
	Processed int `json:"processed"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Projected int `json:"projected"`
	Skipped   int `json:"skipped"`
	Fatal     int `json:"fatal"`
	Warnings  int `json:"warnings"`
}

// Reprocessor replays archived detail pages into the record store.
type Reprocessor struct {
	archive    crawler.ArchiveStore
	writer     *pipeline.Writer
	classifier *classify.Classifier
	logger     *zap.Logger
}

// New constructs a Reprocessor.
func New(archive crawler.ArchiveStore, writer *pipeline.Writer, logger *zap.Logger) (*Reprocessor, error) {
	if archive == nil {
		return nil, fmt.Errorf("archive store is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("record writer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reprocessor{archive: archive, writer: writer, classifier: classify.New(), logger: logger}, nil
}

// Run replays one window of the archive. The window is selected newest first
// and replayed oldest first, so the latest snapshot of a case is written last.
// Pages that do not classify as detail pages are skipped. A store failure stops the replay and
// is returned with the counts so far.
func (r *Reprocessor) Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Skip < 0 {
		opts.Skip = 0
	}
	pages, err := r.archive.List(ctx, crawler.ArchiveFilter{
		Kind:   opts.Kind,
		Search: opts.Search,
		Skip:   opts.Skip,
		Limit:  opts.Limit,
	})
	if err != nil {
		return Report{}, fmt.Errorf("list archive: %w", err)
	}
	r.logger.Info("reprocess started",
		zap.Int("pages", len(pages)),
		zap.Int("skip", opts.Skip),
		zap.String("tipo", string(opts.Kind)),
		zap.String("busca", string(opts.Search)),
		zap.Bool("dry_run", opts.DryRun),
	)

	slices.Reverse(pages)

	var report Report
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("reprocess canceled: %w", err)
		}
		report.Processed++
		if kind := r.classifier.Classify(page.HTML); kind != classify.Detail {
			report.Skipped++
			r.logger.Debug("skipping non-detail page",
				zap.String("id", page.ID),
				zap.String("url", page.URL),
				zap.Stringer("kind", kind),
			)
			continue
		}

		res, err := r.writer.Project(page)
		report.Warnings += len(res.Warnings)
		if err != nil {
			report.Fatal++
			r.logger.Warn("reprocess extraction failed", zap.String("id", page.ID), zap.String("url", page.URL), zap.Error(err))
			continue
		}
		if opts.DryRun {
			report.Projected++
			r.logger.Info("record projected", zap.String("numero", res.Record.ID), zap.String("url", page.URL))
			continue
		}
		action, err := r.writer.Write(ctx, res.Record)
		if err != nil {
			return report, fmt.Errorf("reprocess %s: %w", page.ID, err)
		}
		if action == crawler.UpsertUpdated {
			report.Updated++
		} else {
			report.Inserted++
		}
		r.logger.Info("record reprocessed",
			zap.String("numero", res.Record.ID),
			zap.String("action", string(action)),
			zap.String("url", page.URL),
		)
	}

	r.logger.Info("reprocess finished",
		zap.Int("processed", report.Processed),
		zap.Int("inserted", report.Inserted),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
		zap.Int("fatal", report.Fatal),
	)
	return report, nil
}
