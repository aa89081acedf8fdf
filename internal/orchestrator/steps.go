package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/trf5-crawler/internal/classify"
	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	"github.com/JakeFAU/trf5-crawler/internal/extract"
	"github.com/JakeFAU/trf5-crawler/internal/metrics"
	"github.com/JakeFAU/trf5-crawler/internal/normalize"
	"github.com/JakeFAU/trf5-crawler/internal/pagination"
)

// errPersistenceUnavailable aborts the run.
var errPersistenceUnavailable = fmt.Errorf("%w: too many consecutive store failures", crawler.ErrPersistence)

// fetched is a page that was fetched, classified and archived.
type fetched struct {
	page crawler.RawPage
	kind classify.Kind
}

// fetchAndArchive fetches item, classifies the body and appends it to the archive.
// ok is false when the item already has an outcome. A non-nil error aborts the run.
func (o *Orchestrator) fetchAndArchive(
	ctx context.Context,
	cc *crawlContext,
	item workItem,
	pageCtx func(crawler.PageKind) crawler.PageContext,
) (fetched, bool, error) {
	resp, err := o.fetcher.Fetch(ctx, crawler.FetchRequest{URL: item.url, Method: item.method, Form: item.form})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("fetch canceled: %w", ctxErr)
		}
		o.itemOutcome(cc, OutcomeFailed, item.caseNumber, item.url, err)
		return fetched{}, false, nil
	}
	kind := o.classifier.Classify(string(resp.Body))
	page, err := crawler.NewRawPage(resp, pageCtx(kind.PageKind()), o.clock, o.hasher)
	if err != nil {
		o.itemOutcome(cc, OutcomeFailed, item.caseNumber, item.url, err)
		return fetched{}, false, nil
	}
	// the body is in hand; persist it even if the run is being canceled
	if _, err := o.archive.Append(context.WithoutCancel(ctx), page); err != nil {
		o.itemOutcome(cc, OutcomeFailed, item.caseNumber, page.URL, err)
		if cc.persistenceFailed(&cc.archiveFailures) {
			return fetched{}, false, errPersistenceUnavailable
		}
		return fetched{}, false, nil
	}
	cc.archiveFailures.Store(0)
	cc.addArchived()
	metrics.ObservePage(string(page.Context.Kind), string(page.Context.Search))
	return fetched{page: page, kind: kind}, true, nil
}

// submitForm loads the search form and queues its submission.
func (o *Orchestrator) submitForm(ctx context.Context, cc *crawlContext, item workItem) ([]workItem, error) {
	f, ok, err := o.fetchAndArchive(ctx, cc, item, func(kind crawler.PageKind) crawler.PageContext {
		return cc.pageContext(kind, crawler.EndpointForm)
	})
	if err != nil || !ok {
		cc.markEntryFailed()
		return nil, err
	}
	if f.kind != classify.Form {
		cc.markEntryFailed()
		o.unexpectedShape(cc, OutcomeFailed, "", f, classify.Form)
		return nil, nil
	}
	form, err := extract.ParseSearchForm(f.page.HTML, f.page.URL)
	if err != nil {
		cc.markEntryFailed()
		o.itemOutcome(cc, OutcomeFailed, cc.caseNumber, f.page.URL, err)
		return nil, nil
	}

	fields := url.Values{}
	for k, v := range form.Fields {
		fields[k] = append([]string(nil), v...)
	}
	if cc.mode == crawler.SearchByNumber {
		fields.Set("tipo", formTypeCaseNumber)
		fields.Set("filtro", cc.caseNumber)
	} else {
		fields.Set("tipo", formTypeTaxID)
		fields.Set("filtro", cc.taxID)
	}
	next := workItem{
		state:      StateListPage,
		url:        form.Action,
		method:     form.Method,
		form:       fields,
		endpoint:   crawler.EndpointForm,
		caseNumber: cc.caseNumber,
	}
	if form.Method == http.MethodGet {
		target, err := url.Parse(form.Action)
		if err != nil {
			cc.markEntryFailed()
			o.itemOutcome(cc, OutcomeFailed, cc.caseNumber, form.Action, err)
			return nil, nil
		}
		target.RawQuery = fields.Encode()
		next.url, next.form = target.String(), nil
	}
	return []workItem{next}, nil
}

// listPage handles one page of search results.
func (o *Orchestrator) listPage(ctx context.Context, cc *crawlContext, item workItem) ([]workItem, error) {
	if !cc.pages.tryAcquire() {
		o.logger.Debug("page budget exhausted", zap.Int("page_idx", item.pageIndex), zap.String("url", item.url))
		return nil, nil
	}
	f, ok, err := o.fetchAndArchive(ctx, cc, item, func(kind crawler.PageKind) crawler.PageContext {
		pc := cc.pageContext(kind, item.endpoint)
		pc.PageIndex = crawler.IntPtr(item.pageIndex)
		return pc
	})
	if err != nil || !ok {
		if item.pageIndex == 0 {
			cc.markEntryFailed()
		}
		return nil, err
	}

	if cc.mode == crawler.SearchByNumber {
		return o.numberResult(ctx, cc, f)
	}
	if f.kind != classify.List {
		o.unexpectedShape(cc, OutcomeSkipped, "", f, classify.List)
		return nil, nil
	}

	res := o.tracker.Paginate(f.page.HTML, item.pageIndex)
	o.paginationWarnings(cc, f.page.URL, res.Warnings)

	pageBudget := newBudget(cc.maxDetailsPerPage)
	var next []workItem
	for _, href := range res.DetailLinks {
		target, err := resolve(f.page.URL, href)
		if err != nil {
			o.logger.Warn("bad detail link", zap.String("url", f.page.URL), zap.String("href", href), zap.Error(err))
			continue
		}
		next = append(next, workItem{
			state:      StateDetailFetch,
			url:        target,
			method:     http.MethodGet,
			endpoint:   crawler.EndpointDetail,
			caseNumber: caseNumberFromLink(href),
			budget:     pageBudget,
		})
	}
	o.logger.Info("list page processed",
		zap.Int("page_idx", item.pageIndex),
		zap.String("url", f.page.URL),
		zap.Stringer("pagination", res.Mode),
		zap.Int("detail_links", len(res.DetailLinks)),
	)

	if nextPage, ok := o.nextListPage(cc, item, f.page.URL, res); ok {
		next = append(next, nextPage)
	}
	return next, nil
}

// nextListPage decides whether page item.pageIndex+1 is fetched.
func (o *Orchestrator) nextListPage(cc *crawlContext, item workItem, pageURL string, res pagination.Result) (workItem, bool) {
	nextIndex := item.pageIndex + 1
	limit := cc.maxPages - 1
	switch res.Mode {
	case pagination.ModeTotal:
		if res.LastPageIndex != nil && *res.LastPageIndex < limit {
			limit = *res.LastPageIndex
		}
	case pagination.ModeLinks:
		if res.NextPageLink == "" {
			return workItem{}, false
		}
		if res.LastPageIndex != nil && *res.LastPageIndex < limit {
			limit = *res.LastPageIndex
		}
	default:
		return workItem{}, false
	}
	if nextIndex > limit {
		return workItem{}, false
	}

	var (
		target string
		err    error
	)
	if res.NextPageLink != "" {
		target, err = resolve(pageURL, res.NextPageLink)
	} else {
		target, err = pagination.PageURL(pageURL, nextIndex)
	}
	if err != nil {
		o.logger.Warn("cannot build next page url", zap.String("url", pageURL), zap.Error(err))
		return workItem{}, false
	}
	return workItem{
		state:     StateListPage,
		url:       target,
		method:    http.MethodGet,
		endpoint:  crawler.EndpointList,
		pageIndex: nextIndex,
	}, true
}

// numberResult handles the response to a case-number form search: either the
// detail page itself or a list holding a link to it.
func (o *Orchestrator) numberResult(ctx context.Context, cc *crawlContext, f fetched) ([]workItem, error) {
	switch f.kind {
	case classify.Detail:
		return nil, o.persistDetail(ctx, cc, f.page, cc.caseNumber)
	case classify.List:
		res := o.tracker.Paginate(f.page.HTML, 0)
		href := pickDetailLink(res.DetailLinks, cc.caseDigits)
		if href == "" {
			cc.markEntryFailed()
			o.unexpectedShape(cc, OutcomeFailed, cc.caseNumber, f, classify.Detail)
			return nil, nil
		}
		target, err := resolve(f.page.URL, href)
		if err != nil {
			cc.markEntryFailed()
			o.itemOutcome(cc, OutcomeFailed, cc.caseNumber, f.page.URL, err)
			return nil, nil
		}
		return []workItem{{
			state:      StateDetailFetch,
			url:        target,
			method:     http.MethodGet,
			endpoint:   crawler.EndpointDetail,
			caseNumber: cc.caseNumber,
		}}, nil
	default:
		cc.markEntryFailed()
		o.unexpectedShape(cc, OutcomeFailed, cc.caseNumber, f, classify.Detail)
		return nil, nil
	}
}

// runDetails fetches the detail items of one list page, in parallel when
// DetailConcurrency > 1. Each fetch first takes a unit of the page budget.
func (o *Orchestrator) runDetails(ctx context.Context, cc *crawlContext, batch []workItem) error {
	if o.cfg.DetailConcurrency <= 1 || len(batch) == 1 {
		for _, item := range batch {
			if ctx.Err() != nil {
				return nil
			}
			if !item.budget.tryAcquire() {
				o.logger.Debug("detail budget exhausted", zap.String("url", item.url))
				return nil
			}
			if err := o.detail(ctx, cc, item); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.DetailConcurrency)
	for _, item := range batch {
		if gctx.Err() != nil || !item.budget.tryAcquire() {
			break
		}
		g.Go(func() error {
			return o.detail(gctx, cc, item)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("detail fetch: %w", err)
	}
	return nil
}

// detail fetches one detail page and persists its record.
func (o *Orchestrator) detail(ctx context.Context, cc *crawlContext, item workItem) error {
	f, ok, err := o.fetchAndArchive(ctx, cc, item, func(kind crawler.PageKind) crawler.PageContext {
		pc := cc.pageContext(kind, crawler.EndpointDetail)
		if item.caseNumber != "" {
			pc.CaseNumber = item.caseNumber
		}
		return pc
	})
	if err != nil || !ok {
		if cc.mode == crawler.SearchByNumber {
			cc.markEntryFailed()
		}
		return err
	}
	if f.kind != classify.Detail {
		outcome := OutcomeSkipped
		if cc.mode == crawler.SearchByNumber {
			outcome = OutcomeFailed
			cc.markEntryFailed()
		}
		o.unexpectedShape(cc, outcome, item.caseNumber, f, classify.Detail)
		return nil
	}
	return o.persistDetail(ctx, cc, f.page, item.caseNumber)
}

// persistDetail projects an archived detail page and upserts the record.
func (o *Orchestrator) persistDetail(ctx context.Context, cc *crawlContext, page crawler.RawPage, caseNumber string) error {
	res, err := o.writer.Project(page)
	cc.addWarnings(len(res.Warnings))
	if err != nil {
		o.itemOutcome(cc, OutcomeFatal, caseNumber, page.URL, err)
		return nil
	}
	action, err := o.writer.Write(context.WithoutCancel(ctx), res.Record)
	if err != nil {
		o.itemOutcome(cc, OutcomeFailed, res.Record.ID, page.URL, err)
		if cc.persistenceFailed(&cc.recordFailures) {
			return errPersistenceUnavailable
		}
		return nil
	}
	cc.recordFailures.Store(0)
	outcome := OutcomeInserted
	if action == crawler.UpsertUpdated {
		outcome = OutcomeUpdated
	}
	o.itemOutcome(cc, outcome, res.Record.ID, page.URL, nil)
	return nil
}

func (o *Orchestrator) unexpectedShape(cc *crawlContext, outcome Outcome, caseNumber string, f fetched, want classify.Kind) {
	cc.addWarnings(1)
	err := fmt.Errorf("%w: expected %s, got %s", crawler.ErrUnexpectedPageShape, want, f.kind)
	o.itemOutcome(cc, outcome, caseNumber, f.page.URL, err)
}

func (o *Orchestrator) paginationWarnings(cc *crawlContext, pageURL string, warnings []crawler.Warning) {
	cc.addWarnings(len(warnings))
	for _, w := range warnings {
		metrics.ObserveWarning(w.Field)
		o.logger.Warn("pagination warning", zap.String("url", pageURL), zap.String("warning", w.String()))
	}
}

// itemOutcome records and logs the audit line for one item.
func (o *Orchestrator) itemOutcome(cc *crawlContext, outcome Outcome, caseNumber, pageURL string, err error) {
	cc.record(outcome)
	metrics.ObserveOutcome(string(outcome))
	fields := []zap.Field{
		zap.String("outcome", string(outcome)),
		zap.String("numero", caseNumber),
		zap.String("url", pageURL),
	}
	switch {
	case err == nil:
		o.logger.Info("item outcome", fields...)
	case errors.Is(err, crawler.ErrPersistence) || outcome == OutcomeFailed:
		o.logger.Error("item outcome", append(fields, zap.Error(err))...)
	default:
		o.logger.Warn("item outcome", append(fields, zap.Error(err))...)
	}
}

// pickDetailLink prefers the link naming the target case number and falls
// back to the first link carrying any case number.
func pickDetailLink(links []string, targetDigits string) string {
	fallback := ""
	for _, href := range links {
		found := pagination.CaseNumberFromLink(href)
		if found == "" {
			continue
		}
		if digits, err := normalize.CaseNumberDigitsOnly(found); err == nil && digits == targetDigits {
			return href
		}
		if fallback == "" {
			fallback = href
		}
	}
	return fallback
}

func caseNumberFromLink(href string) string {
	found := pagination.CaseNumberFromLink(href)
	if found == "" {
		return ""
	}
	hyphenated, err := normalize.CaseNumberHyphenated(found)
	if err != nil {
		return ""
	}
	return hyphenated
}

func resolve(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse link %q: %w", href, err)
	}
	return b.ResolveReference(ref).String(), nil
}
