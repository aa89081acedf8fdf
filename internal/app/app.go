// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/trf5-crawler/internal/clock/system"
	"github.com/JakeFAU/trf5-crawler/internal/config"
	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/trf5-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/trf5-crawler/internal/hash/sha256"
	"github.com/JakeFAU/trf5-crawler/internal/id/uuid"
	"github.com/JakeFAU/trf5-crawler/internal/orchestrator"
	"github.com/JakeFAU/trf5-crawler/internal/pipeline"
	"github.com/JakeFAU/trf5-crawler/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/trf5-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/trf5-crawler/internal/reprocess"
	"github.com/JakeFAU/trf5-crawler/internal/storage"
	"github.com/JakeFAU/trf5-crawler/internal/storage/gcs"
	"github.com/JakeFAU/trf5-crawler/internal/storage/local"
	"github.com/JakeFAU/trf5-crawler/internal/storage/memory"
	"github.com/JakeFAU/trf5-crawler/internal/storage/postgres"
	"github.com/JakeFAU/trf5-crawler/internal/storage/sqlite"
)

// pinger is implemented by stores that can report reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

// App holds all the shared, long-lived services for the application.
// It is built once at startup and closed by the CLI after the command finishes.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	archive      crawler.ArchiveStore
	records      crawler.RecordStore
	publisher    crawler.Publisher
	fetcher      crawler.Fetcher
	writer       *pipeline.Writer
	orchestrator *orchestrator.Orchestrator
	reprocessor  *reprocess.Reprocessor

	pingers []pinger
	closers []func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	fetcher   crawler.Fetcher
	clock     crawler.Clock
	publisher crawler.Publisher
}

// WithFetcher replaces the colly fetcher.
func WithFetcher(f crawler.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithPublisher replaces the Pub/Sub publisher.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// New creates and initializes an App from cfg. It fails fast if any
// configured backend cannot be reached; whatever was opened is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	logger.Info("initializing application services",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("mirror", cfg.Archive.Mirror),
	)

	if err := a.initStores(ctx); err != nil {
		return nil, err
	}
	if err := a.initMirror(ctx); err != nil {
		return nil, err
	}
	a.publisher = o.publisher
	if a.publisher == nil {
		if err := a.initPublisher(ctx); err != nil {
			return nil, err
		}
	}

	a.fetcher = o.fetcher
	if a.fetcher == nil {
		limiter := ratelimit.New(ratelimit.Config{Delay: cfg.PolitenessDelay()})
		a.fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:      cfg.Fetch.UserAgent,
			RespectRobots:  cfg.Fetch.RespectRobots,
			Timeout:        cfg.FetchTimeout(),
			MaxRetries:     cfg.Fetch.MaxRetries,
			BackoffInitial: millis(cfg.Fetch.BackoffInitialMs),
			BackoffMax:     millis(cfg.Fetch.BackoffMaxMs),
		}, limiter, logger.Named("fetcher"))
	}
	clock := o.clock
	if clock == nil {
		clock = system.New()
	}

	a.writer = pipeline.NewWriter(a.records, a.publisher, cfg.PubSub.Topic, logger.Named("writer"))
	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		FormURL:                  cfg.Portal.FormURL,
		DetailURLTemplate:        cfg.Portal.DetailURLTemplate,
		NumberLookup:             cfg.Portal.NumberLookup,
		PageSize:                 cfg.Portal.PageSize,
		DefaultMaxPages:          cfg.Crawl.MaxPages,
		DefaultMaxDetailsPerPage: cfg.Crawl.MaxDetailsPerPage,
		MaxPagesCap:              cfg.Crawl.MaxPagesCap,
		MaxDetailsCap:            cfg.Crawl.MaxDetailsCap,
		DetailConcurrency:        cfg.Crawl.DetailConcurrency,
		PersistenceFailureLimit:  cfg.Crawl.PersistenceFailureLimit,
	}, a.fetcher, a.archive, a.writer, sha256.New(), clock, logger.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	a.reprocessor, err = reprocess.New(a.archive, a.writer, logger.Named("reprocess"))
	if err != nil {
		return nil, fmt.Errorf("build reprocessor: %w", err)
	}

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) initStores(ctx context.Context) error {
	ids := uuid.NewUUIDGenerator()
	switch a.cfg.Storage.Backend {
	case config.BackendMemory, "":
		a.archive = memory.NewArchiveStore(ids)
		a.records = memory.NewRecordStore()
	case config.BackendPostgres:
		store, err := postgres.New(ctx, postgres.Config{DSN: a.cfg.Storage.DSN, Schema: a.cfg.Storage.Database}, ids)
		if err != nil {
			return fmt.Errorf("initialize postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("initialize postgres schema: %w", err)
		}
		a.archive, a.records = store, store
		a.pingers = append(a.pingers, store)
	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, a.cfg.Storage.DSN, ids)
		if err != nil {
			return fmt.Errorf("initialize sqlite: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.archive, a.records = store, store
		a.pingers = append(a.pingers, store)
	default:
		return fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) initMirror(ctx context.Context) error {
	var blobs crawler.BlobStore
	switch a.cfg.Archive.Mirror {
	case config.MirrorNone, "":
		return nil
	case config.MirrorLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return fmt.Errorf("initialize local mirror: %w", err)
		}
		blobs = store
	case config.MirrorGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("initialize gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return fmt.Errorf("initialize gcs mirror: %w", err)
		}
		blobs = store
	default:
		return fmt.Errorf("unknown archive mirror: %s", a.cfg.Archive.Mirror)
	}
	mirrored, err := storage.NewMirroredArchive(a.archive, blobs, a.cfg.Archive.Prefix, a.logger.Named("mirror"))
	if err != nil {
		return fmt.Errorf("initialize mirror: %w", err)
	}
	a.archive = mirrored
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("pubsub.project_id not set; record events are disabled")
		return nil
	}
	client, err := gcpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("initialize pubsub client: %w", err)
	}
	publisher := pubsubpublisher.New(client)
	a.closers = append(a.closers, client.Close, func() error { publisher.Close(); return nil })
	a.publisher = publisher
	a.logger.Info("publishing record events", zap.String("topic", a.cfg.PubSub.Topic))
	return nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Archive returns the raw page archive.
func (a *App) Archive() crawler.ArchiveStore { return a.archive }

// Records returns the record store.
func (a *App) Records() crawler.RecordStore { return a.records }

// Orchestrator returns the crawl orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Reprocessor returns the offline reprocessor.
func (a *App) Reprocessor() *reprocess.Reprocessor { return a.reprocessor }

// Ready pings every store that supports it.
func (a *App) Ready(ctx context.Context) error {
	for _, p := range a.pingers {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases backends in reverse order of creation. It is safe to call more than once.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing application services", zap.Error(err))
		return err
	}
	return nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
