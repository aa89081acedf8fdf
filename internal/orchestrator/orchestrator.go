// Package orchestrator drives a crawl of the TRF5 portal. Work is an explicit
// queue of pending fetches consumed by one scheduler loop; each completed fetch
// yields zero or more new items (the next list page, detail links).
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/trf5-crawler/internal/classify"
	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	"github.com/JakeFAU/trf5-crawler/internal/normalize"
	"github.com/JakeFAU/trf5-crawler/internal/pagination"
	"github.com/JakeFAU/trf5-crawler/internal/pipeline"
)

// NUMBER-mode lookup strategies.
const (
	LookupDirect = "direct"
	LookupForm   = "form"
)

// Search form values for the portal's tipo radio.
const (
	formTypeCaseNumber = "xmlproc"
	formTypeTaxID      = "xmlcpf"
)

// Config controls the crawl.
type Config struct {
	FormURL           string
	DetailURLTemplate string
	NumberLookup      string
	PageSize          int

	DefaultMaxPages          int
	DefaultMaxDetailsPerPage int
	MaxPagesCap              int
	MaxDetailsCap            int
	DetailConcurrency        int
	PersistenceFailureLimit  int
}

func (c Config) withDefaults() Config {
	if c.NumberLookup == "" {
		c.NumberLookup = LookupDirect
	}
	if c.DefaultMaxPages <= 0 {
		c.DefaultMaxPages = 2
	}
	if c.DefaultMaxDetailsPerPage <= 0 {
		c.DefaultMaxDetailsPerPage = 5
	}
	if c.MaxPagesCap <= 0 {
		c.MaxPagesCap = 20
	}
	if c.MaxDetailsCap <= 0 {
		c.MaxDetailsCap = 50
	}
	if c.DetailConcurrency <= 0 {
		c.DetailConcurrency = 1
	}
	if c.PersistenceFailureLimit <= 0 {
		c.PersistenceFailureLimit = 3
	}
	return c
}

// Request is one crawl invocation.
type Request struct {
	Mode              crawler.SearchMode
	Value             string
	MaxPages          int
	MaxDetailsPerPage int
}

// Orchestrator runs crawls against one fetcher and one set of stores.
type Orchestrator struct {
	cfg        Config
	fetcher    crawler.Fetcher
	archive    crawler.ArchiveStore
	writer     *pipeline.Writer
	hasher     crawler.Hasher
	clock      crawler.Clock
	classifier *classify.Classifier
	tracker    *pagination.Tracker
	logger     *zap.Logger
}

// New constructs an Orchestrator.
func New(
	cfg Config,
	fetcher crawler.Fetcher,
	archive crawler.ArchiveStore,
	writer *pipeline.Writer,
	hasher crawler.Hasher,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	switch {
	case fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case archive == nil:
		return nil, fmt.Errorf("archive store is required")
	case writer == nil:
		return nil, fmt.Errorf("record writer is required")
	case hasher == nil || clock == nil:
		return nil, fmt.Errorf("hasher and clock are required")
	case cfg.FormURL == "":
		return nil, fmt.Errorf("form url is required")
	case cfg.NumberLookup != LookupDirect && cfg.NumberLookup != LookupForm:
		return nil, fmt.Errorf("unknown number lookup %q", cfg.NumberLookup)
	case cfg.NumberLookup == LookupDirect && !strings.Contains(cfg.DetailURLTemplate, "{numero}") &&
		!strings.Contains(cfg.DetailURLTemplate, "{digitos}"):
		return nil, fmt.Errorf("detail url template must contain {numero} or {digitos}")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		fetcher:    fetcher,
		archive:    archive,
		writer:     writer,
		hasher:     hasher,
		clock:      clock,
		classifier: classify.New(),
		tracker:    pagination.New(cfg.PageSize),
		logger:     logger,
	}, nil
}

// Run executes one crawl. Identifier errors are returned before any fetch.
// Item-level failures are counted in the report; the run itself fails only
// when canceled or when persistence fails PersistenceFailureLimit times in a row.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Report, error) {
	cc, err := o.newCrawlContext(req)
	if err != nil {
		return Report{Mode: req.Mode, Value: req.Value, State: StateFailed}, err
	}
	logger := o.logger.With(zap.String("busca", string(cc.mode)), zap.String("valor", cc.report.Value))
	logger.Info("crawl started",
		zap.Int("max_pages", cc.maxPages),
		zap.Int("max_details_per_page", cc.maxDetailsPerPage),
	)

	queue := []workItem{o.initialItem(cc)}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			report := cc.finish(StateFailed)
			logger.Warn("crawl canceled", zap.Error(err))
			return report, fmt.Errorf("crawl canceled: %w", err)
		}
		item := queue[0]
		queue = queue[1:]
		logger.Debug("state transition", zap.Stringer("state", item.state), zap.String("url", item.url))

		var next []workItem
		if item.state == StateDetailFetch {
			batch := []workItem{item}
			for len(queue) > 0 && queue[0].state == StateDetailFetch && queue[0].budget == item.budget {
				batch = append(batch, queue[0])
				queue = queue[1:]
			}
			err = o.runDetails(ctx, cc, batch)
		} else {
			next, err = o.step(ctx, cc, item)
		}
		if err != nil {
			report := cc.finish(StateFailed)
			logger.Error("crawl aborted", zap.Error(err))
			return report, err
		}
		queue = append(queue, next...)
	}
	// a fetch canceled mid-flight can drain the queue without tripping the check above
	if err := ctx.Err(); err != nil {
		report := cc.finish(StateFailed)
		logger.Warn("crawl canceled", zap.Error(err))
		return report, fmt.Errorf("crawl canceled: %w", err)
	}

	report := cc.finish(StateDone)
	logger.Info("crawl finished",
		zap.Stringer("state", report.State),
		zap.Int("list_pages", report.ListPages),
		zap.Int("inserted", report.Inserted),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
		zap.Int("fatal", report.Fatal),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (o *Orchestrator) newCrawlContext(req Request) (*crawlContext, error) {
	cc := &crawlContext{
		mode:              req.Mode,
		maxPages:          clampBudget(req.MaxPages, o.cfg.DefaultMaxPages, o.cfg.MaxPagesCap),
		maxDetailsPerPage: clampBudget(req.MaxDetailsPerPage, o.cfg.DefaultMaxDetailsPerPage, o.cfg.MaxDetailsCap),
		persistenceLimit:  int32(o.cfg.PersistenceFailureLimit),
	}
	switch req.Mode {
	case crawler.SearchByNumber:
		hyphenated, err := normalize.CaseNumberHyphenated(req.Value)
		if err != nil {
			return nil, fmt.Errorf("normalize case number: %w", err)
		}
		digits, err := normalize.CaseNumberDigitsOnly(req.Value)
		if err != nil {
			return nil, fmt.Errorf("normalize case number: %w", err)
		}
		cc.caseNumber, cc.caseDigits = hyphenated, digits
		cc.report.Value = hyphenated
	case crawler.SearchByTaxID:
		taxID, err := normalize.TaxIDDigitsOnly(req.Value)
		if err != nil {
			return nil, fmt.Errorf("normalize tax id: %w", err)
		}
		cc.taxID = taxID
		cc.report.Value = taxID
	default:
		return nil, fmt.Errorf("unknown search mode %q", req.Mode)
	}
	cc.pages = newBudget(cc.maxPages)
	cc.report.Mode = req.Mode
	cc.report.MaxPages = cc.maxPages
	cc.report.MaxDetailsPerPage = cc.maxDetailsPerPage
	return cc, nil
}

// initialItem is the transition out of INIT.
func (o *Orchestrator) initialItem(cc *crawlContext) workItem {
	if cc.mode == crawler.SearchByNumber && o.cfg.NumberLookup == LookupDirect {
		return workItem{
			state:      StateDetailFetch,
			url:        o.detailURL(cc),
			method:     http.MethodGet,
			endpoint:   crawler.EndpointDetail,
			caseNumber: cc.caseNumber,
		}
	}
	return workItem{
		state:    StateFormSubmit,
		url:      o.cfg.FormURL,
		method:   http.MethodGet,
		endpoint: crawler.EndpointForm,
	}
}

func (o *Orchestrator) detailURL(cc *crawlContext) string {
	return strings.NewReplacer("{numero}", cc.caseNumber, "{digitos}", cc.caseDigits).Replace(o.cfg.DetailURLTemplate)
}

func (o *Orchestrator) step(ctx context.Context, cc *crawlContext, item workItem) ([]workItem, error) {
	switch item.state {
	case StateFormSubmit:
		return o.submitForm(ctx, cc, item)
	case StateListPage:
		return o.listPage(ctx, cc, item)
	default:
		return nil, fmt.Errorf("no transition from state %s", item.state)
	}
}

// clampBudget applies the default to non-positive values and caps the rest.
func clampBudget(requested, def, limit int) int {
	if requested <= 0 {
		requested = def
	}
	if requested > limit {
		requested = limit
	}
	return requested
}
