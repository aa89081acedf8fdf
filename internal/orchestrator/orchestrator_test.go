package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trf5-crawler/internal/clock/system"
	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	"github.com/JakeFAU/trf5-crawler/internal/fixtures"
	"github.com/JakeFAU/trf5-crawler/internal/hash/sha256"
	"github.com/JakeFAU/trf5-crawler/internal/pipeline"
	pubmemory "github.com/JakeFAU/trf5-crawler/internal/publisher/memory"
	"github.com/JakeFAU/trf5-crawler/internal/storage/memory"
)

const (
	portal      = "https://portal.test"
	formURL     = portal + "/cp/"
	consultaURL = portal + "/cp/consulta"
	fixtureNPU  = "0015648-78.1999.4.05.0000"
	taxID       = "00.000.000/0001-91"
)

// fakePortal serves fixtures keyed by "METHOD url".
type fakePortal struct {
	mu       sync.Mutex
	routes   map[string]string
	requests []crawler.FetchRequest
	delay    time.Duration
	// before runs ahead of every fetch.
	before func(crawler.FetchRequest)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakePortal() *fakePortal {
	return &fakePortal{routes: map[string]string{
		"GET " + formURL: fixtures.HTML(fixtures.Form),
	}}
}

func (p *fakePortal) on(method, url, body string) *fakePortal {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[method+" "+url] = body
	return p
}

func (p *fakePortal) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.maxInFlight.Load()
		if n <= peak || p.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.before != nil {
		p.before(req)
	}
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, err
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return crawler.FetchResponse{}, ctx.Err()
		}
	}

	p.mu.Lock()
	p.requests = append(p.requests, req)
	body, ok := p.routes[req.Method+" "+req.URL]
	p.mu.Unlock()

	if !ok {
		if strings.HasPrefix(req.URL, portal+"/cp/processo/") {
			body = detailHTML(strings.TrimPrefix(req.URL, portal+"/cp/processo/"))
		} else {
			return crawler.FetchResponse{}, fmt.Errorf("no route for %s %s", req.Method, req.URL)
		}
	}
	return crawler.FetchResponse{
		URL:        req.URL,
		Method:     req.Method,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}, nil
}

func (p *fakePortal) fetches(prefix string) []crawler.FetchRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []crawler.FetchRequest
	for _, r := range p.requests {
		if strings.HasPrefix(r.URL, prefix) {
			out = append(out, r)
		}
	}
	return out
}

func detailHTML(number string) string {
	return strings.ReplaceAll(fixtures.HTML(fixtures.Detail), fixtureNPU, number)
}

type harness struct {
	portal    *fakePortal
	archive   *memory.ArchiveStore
	records   *memory.RecordStore
	publisher *pubmemory.Publisher
	orch      *Orchestrator
}

func newHarness(t *testing.T, cfg Config, fp *fakePortal, records crawler.RecordStore) *harness {
	t.Helper()
	if cfg.FormURL == "" {
		cfg.FormURL = formURL
	}
	if cfg.DetailURLTemplate == "" {
		cfg.DetailURLTemplate = portal + "/cp/processo/{numero}"
	}
	h := &harness{
		portal:    fp,
		archive:   memory.NewArchiveStore(nil),
		records:   memory.NewRecordStore(),
		publisher: pubmemory.New(),
	}
	if records == nil {
		records = h.records
	}
	writer := pipeline.NewWriter(records, h.publisher, "processos", nil)
	clk := system.NewStepping(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), time.Second)
	orch, err := New(cfg, fp, h.archive, writer, sha256.New(), clk, nil)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) archived(t *testing.T, kind crawler.PageKind) []crawler.RawPage {
	t.Helper()
	pages, err := h.archive.List(context.Background(), crawler.ArchiveFilter{Kind: kind})
	require.NoError(t, err)
	return pages
}

type failingRecords struct{ calls atomic.Int32 }

func (f *failingRecords) Upsert(context.Context, string, crawler.CaseRecord) (crawler.UpsertAction, error) {
	f.calls.Add(1)
	return "", fmt.Errorf("%w: connection refused", crawler.ErrPersistence)
}

func (f *failingRecords) Get(context.Context, string) (crawler.CaseRecord, error) {
	return crawler.CaseRecord{}, crawler.ErrNotFound
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	writer := pipeline.NewWriter(memory.NewRecordStore(), nil, "", nil)
	archive := memory.NewArchiveStore(nil)
	clk := system.New()
	hasher := sha256.New()

	_, err := New(Config{FormURL: formURL, DetailURLTemplate: "x/{numero}"}, nil, archive, writer, hasher, clk, nil)
	require.Error(t, err)
	_, err = New(Config{DetailURLTemplate: "x/{numero}"}, newFakePortal(), archive, writer, hasher, clk, nil)
	require.Error(t, err)
	_, err = New(Config{FormURL: formURL, DetailURLTemplate: "x"}, newFakePortal(), archive, writer, hasher, clk, nil)
	require.Error(t, err)
	_, err = New(Config{FormURL: formURL, NumberLookup: "guess"}, newFakePortal(), archive, writer, hasher, clk, nil)
	require.Error(t, err)
	_, err = New(Config{FormURL: formURL, NumberLookup: LookupForm}, newFakePortal(), archive, writer, hasher, clk, nil)
	require.NoError(t, err)
}

func TestRunNumberDirect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, newFakePortal(), nil)
	ctx := context.Background()

	report, err := h.orch.Run(ctx, Request{Mode: crawler.SearchByNumber, Value: "00156487819994050000"})
	require.NoError(t, err)
	require.Equal(t, StateDone, report.State)
	require.Equal(t, fixtureNPU, report.Value)
	require.Equal(t, 1, report.Inserted)
	require.Equal(t, 1, report.PagesArchived)

	fetches := h.portal.fetches(portal)
	require.Len(t, fetches, 1)
	require.Equal(t, portal+"/cp/processo/"+fixtureNPU, fetches[0].URL)

	pages := h.archived(t, crawler.PageKindDetail)
	require.Len(t, pages, 1)
	require.Equal(t, crawler.SearchByNumber, pages[0].Context.Search)
	require.Equal(t, fixtureNPU, pages[0].Context.CaseNumber)
	require.Equal(t, crawler.EndpointDetail, pages[0].Context.Endpoint)
	require.Equal(t, "2024-05-01T10:00:00", pages[0].FetchedAt)
	require.True(t, strings.HasPrefix(pages[0].HashHTML, "sha256:"))

	record, err := h.records.Get(ctx, fixtureNPU)
	require.NoError(t, err)
	require.Equal(t, fixtureNPU, record.CaseNumber)
	require.Equal(t, pages[0].FetchedAt, record.ScrapedAt)

	// a second run updates the same record
	report, err = h.orch.Run(ctx, Request{Mode: crawler.SearchByNumber, Value: fixtureNPU})
	require.NoError(t, err)
	require.Equal(t, 1, report.Updated)
	require.Equal(t, 1, h.records.Len())
	require.Equal(t, 2, h.archive.Len())

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, crawler.UpsertUpdated, msgs[1].Payload.(crawler.RecordEvent).Action)
}

func TestRunNumberDigitsTemplate(t *testing.T) {
	t.Parallel()

	p := newFakePortal().on(http.MethodGet, portal+"/cp/processo/00156487819994050000", detailHTML(fixtureNPU))
	h := newHarness(t, Config{DetailURLTemplate: portal + "/cp/processo/{digitos}"}, p, nil)

	report, err := h.orch.Run(context.Background(), Request{Mode: crawler.SearchByNumber, Value: fixtureNPU})
	require.NoError(t, err)
	require.Equal(t, 1, report.Inserted)
}

func TestRunNumberDirectUnexpectedShape(t *testing.T) {
	t.Parallel()

	p := newFakePortal().on(http.MethodGet, portal+"/cp/processo/"+fixtureNPU, fixtures.HTML(fixtures.NoResults))
	h := newHarness(t, Config{}, p, nil)

	report, err := h.orch.Run(context.Background(), Request{Mode: crawler.SearchByNumber, Value: fixtureNPU})
	require.NoError(t, err)
	require.Equal(t, StateFailed, report.State)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Warnings)
	require.Len(t, h.archived(t, crawler.PageKindError), 1)
	require.Zero(t, h.records.Len())
}

func TestRunNumberDirectExtractionFatal(t *testing.T) {
	t.Parallel()

	p := newFakePortal().on(http.MethodGet, portal+"/cp/processo/"+fixtureNPU, fixtures.HTML(fixtures.DetailNoNumber))
	h := newHarness(t, Config{}, p, nil)

	report, err := h.orch.Run(context.Background(), Request{Mode: crawler.SearchByNumber, Value: fixtureNPU})
	require.NoError(t, err)
	require.Equal(t, 1, report.Fatal)
	require.Len(t, h.archived(t, crawler.PageKindDetail), 1)
	require.Zero(t, h.records.Len())
	require.Empty(t, h.publisher.Messages())
}

func TestRunRejectsMalformedIdentifiers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, newFakePortal(), nil)
	ctx := context.Background()

	_, err := h.orch.Run(ctx, Request{Mode: crawler.SearchByNumber, Value: "123"})
	require.ErrorIs(t, err, crawler.ErrMalformedIdentifier)
	_, err = h.orch.Run(ctx, Request{Mode: crawler.SearchByTaxID, Value: "00.000.000/0001"})
	require.ErrorIs(t, err, crawler.ErrMalformedIdentifier)
	_, err = h.orch.Run(ctx, Request{Mode: "nome", Value: "x"})
	require.Error(t, err)

	require.Empty(t, h.portal.fetches(""))
	require.Zero(t, h.archive.Len())
}

func TestRunCNPJFollowsTotalPagination(t *testing.T) {
	t.Parallel()

	p := newFakePortal().
		on(http.MethodPost, consultaURL, fixtures.HTML(fixtures.ListTotal)).
		on(http.MethodGet, consultaURL+"?page=1", fixtures.HTML(fixtures.ListNextOnly))
	h := newHarness(t, Config{}, p, nil)

	report, err := h.orch.Run(context.Background(), Request{Mode: crawler.SearchByTaxID, Value: taxID})
	require.NoError(t, err)
	require.Equal(t, StateDone, report.State)
	require.Equal(t, "00000000000191", report.Value)
	require.Equal(t, 2, report.MaxPages)
	require.Equal(t, 5, report.MaxDetailsPerPage)
	require.Equal(t, 2, report.ListPages)
	require.Equal(t, 5, report.Inserted)
	require.Equal(t, 2, report.Updated)
	require.Equal(t, 1+2+7, report.PagesArchived)

	submissions := p.fetches(consultaURL)
	require.Equal(t, http.MethodPost, submissions[0].Method)
	require.Equal(t, "xmlcpf", submissions[0].Form.Get("tipo"))
	require.Equal(t, "00000000000191", submissions[0].Form.Get("filtro"))
	require.Equal(t, "Netscape", submissions[0].Form.Get("navigation"))
	require.Equal(t, "D", submissions[0].Form.Get("ordenacao"))
	require.Len(t, submissions, 2, "page 2 is beyond the page budget")

	lists := h.archived(t, crawler.PageKindList)
	require.Len(t, lists, 2)
	// newest first
	require.Equal(t, 1, *lists[0].Context.PageIndex)
	require.Equal(t, crawler.EndpointList, lists[0].Context.Endpoint)
	require.Equal(t, 0, *lists[1].Context.PageIndex)
	require.Equal(t, crawler.EndpointForm, lists[1].Context.Endpoint)
	require.Equal(t, "00000000000191", lists[1].Context.TaxID)

	forms := h.archived(t, crawler.PageKindForm)
	require.Len(t, forms, 1)
	require.Nil(t, forms[0].Context.PageIndex)

	details := h.archived(t, crawler.PageKindDetail)
	require.Len(t, details, 7)
	require.Equal(t, "0803333-44.2018.4.05.8400", details[0].Context.CaseNumber)
}

func TestRunCNPJStopsWhenNextLinkMissing(t *testing.T) {
	t.Parallel()

	p := newFakePortal().
		on(http.MethodPost, consultaURL, fixtures.HTML(fixtures.ListLinks)).
		on(http.MethodGet, consultaURL+"?cnpj=00000000000191&page=1", fixtures.HTML(fixtures.ListNextOnly)).
		on(http.MethodGet, consultaURL+"?cnpj=00000000000191&page=2", fixtures.HTML(fixtures.ListAmbiguous))
	h := newHarness(t, Config{}, p, nil)

	report, err := h.orch.Run(context.Background(), Request{
		Mode: crawler.SearchByTaxID, Value: taxID, MaxPages: 10, MaxDetailsPerPage: 1,
	})
	require.NoError(t, err)
	require.Equal(t, 3, report.ListPages)
	require.Equal(t, 1, report.Warnings, "ambiguous pagination on the last page")
	require.Equal(t, 3, report.Inserted+report.Updated)
	require.Len(t, h.archived(t, crawler.PageKindDetail), 3)
}

func TestRunCNPJNoResults(t *testing.T) {
	t.Parallel()

	p := newFakePortal().on(http.MethodPost, consultaURL, fixtures.HTML(fixtures.NoResults))
	h := newHarness(t, Config{}, p, nil)

	report, err := h.orch.Run(context.Background(), Request{Mode: crawler.SearchByTaxID, Value: taxID})
	require.NoError(t, err)
	require.Equal(t, StateDone, report.State)
	require.Equal(t, 1, report.Skipped)
	require.Len(t, h.archived(t, crawler.PageKindError), 1)
}

func TestRunCNPJSkipsNonDetailPages(t *testing.T) {
	t.Parallel()

	p := newFakePortal().
		on(http.MethodPost, consultaURL, fixtures.HTML(fixtures.ListAmbiguous)).
		on(http.MethodGet, portal+"/cp/processo/0800123-45.2021.4.05.8300", fixtures.HTML(fixtures.Unrecognized))
	h := newHarness(t, Config{}, p, nil)

	report, err := h.orch.Run(context.Background(), Request{Mode: crawler.SearchByTaxID, Value: taxID})
	require.NoError(t, err)
	require.Equal(t, StateDone, report.State)
	require.Equal(t, 1, report.Inserted)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 1, report.ListPages)
}

func TestRunFormFailure(t *testing.T) {
	t.Parallel()

	p := newFakePortal().on(http.MethodGet, formURL, fixtures.HTML(fixtures.Unrecognized))
	h := newHarness(t, Config{}, p, nil)

	report, err := h.orch.Run(context.Background(), Request{Mode: crawler.SearchByTaxID, Value: taxID})
	require.NoError(t, err)
	require.Equal(t, StateFailed, report.State)
	require.Equal(t, 1, report.Failed)
	require.Len(t, p.fetches(""), 1)
}

func TestRunBudgetsAreClamped(t *testing.T) {
	t.Parallel()

	p := newFakePortal().on(http.MethodPost, consultaURL, fixtures.HTML(fixtures.ListAmbiguous))
	h := newHarness(t, Config{MaxPagesCap: 3, MaxDetailsCap: 1}, p, nil)

	report, err := h.orch.Run(context.Background(), Request{
		Mode: crawler.SearchByTaxID, Value: taxID, MaxPages: 100, MaxDetailsPerPage: 100,
	})
	require.NoError(t, err)
	require.Equal(t, 3, report.MaxPages)
	require.Equal(t, 1, report.MaxDetailsPerPage)
	require.Len(t, p.fetches(portal+"/cp/processo/"), 1)
}

func TestRunConcurrentDetailsRespectBudget(t *testing.T) {
	t.Parallel()

	p := newFakePortal().on(http.MethodPost, consultaURL, fixtures.HTML(fixtures.ListTotal))
	p.delay = 20 * time.Millisecond
	h := newHarness(t, Config{DetailConcurrency: 4}, p, nil)

	report, err := h.orch.Run(context.Background(), Request{
		Mode: crawler.SearchByTaxID, Value: taxID, MaxPages: 1, MaxDetailsPerPage: 3,
	})
	require.NoError(t, err)
	require.Equal(t, 3, report.Inserted)
	require.Len(t, p.fetches(portal+"/cp/processo/"), 3)
	require.LessOrEqual(t, p.maxInFlight.Load(), int32(4))
	require.Greater(t, p.maxInFlight.Load(), int32(1))
	require.Equal(t, 3, h.records.Len())
}

func TestRunAbortsAfterConsecutivePersistenceFailures(t *testing.T) {
	t.Parallel()

	p := newFakePortal().on(http.MethodPost, consultaURL, fixtures.HTML(fixtures.ListTotal))
	records := &failingRecords{}
	h := newHarness(t, Config{PersistenceFailureLimit: 3}, p, records)

	report, err := h.orch.Run(context.Background(), Request{Mode: crawler.SearchByTaxID, Value: taxID})
	require.ErrorIs(t, err, crawler.ErrPersistence)
	require.Equal(t, StateFailed, report.State)
	require.Equal(t, 3, report.Failed)
	require.Equal(t, int32(3), records.calls.Load())
	require.Len(t, p.fetches(portal+"/cp/processo/"), 3)
}

func TestRunNumberFormLookup(t *testing.T) {
	t.Parallel()

	target := "0800123-45.2021.4.05.8300"
	t.Run("ListResult", func(t *testing.T) {
		t.Parallel()

		p := newFakePortal().on(http.MethodPost, consultaURL, fixtures.HTML(fixtures.ListTotal))
		h := newHarness(t, Config{NumberLookup: LookupForm}, p, nil)

		report, err := h.orch.Run(context.Background(), Request{Mode: crawler.SearchByNumber, Value: target})
		require.NoError(t, err)
		require.Equal(t, StateDone, report.State)
		require.Equal(t, 1, report.Inserted)

		submission := p.fetches(consultaURL)[0]
		require.Equal(t, "xmlproc", submission.Form.Get("tipo"))
		require.Equal(t, target, submission.Form.Get("filtro"))

		details := p.fetches(portal + "/cp/processo/")
		require.Len(t, details, 1)
		require.Equal(t, portal+"/cp/processo/"+target, details[0].URL)
		_, err = h.records.Get(context.Background(), target)
		require.NoError(t, err)
	})

	t.Run("DetailResult", func(t *testing.T) {
		t.Parallel()

		p := newFakePortal().on(http.MethodPost, consultaURL, detailHTML(target))
		h := newHarness(t, Config{NumberLookup: LookupForm}, p, nil)

		report, err := h.orch.Run(context.Background(), Request{Mode: crawler.SearchByNumber, Value: target})
		require.NoError(t, err)
		require.Equal(t, 1, report.Inserted)
		require.Empty(t, p.fetches(portal+"/cp/processo/"))
		details := h.archived(t, crawler.PageKindDetail)
		require.Len(t, details, 1)
		require.Equal(t, crawler.EndpointForm, details[0].Context.Endpoint)
	})
}

func TestRunCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, newFakePortal(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.orch.Run(ctx, Request{Mode: crawler.SearchByNumber, Value: fixtureNPU})
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, StateFailed, report.State)
	require.Empty(t, h.portal.fetches(""))
}

func TestRunCanceledDuringLastFetch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p := newFakePortal().on(http.MethodPost, consultaURL, fixtures.HTML(fixtures.ListTotal))
	p.before = func(req crawler.FetchRequest) {
		if strings.HasPrefix(req.URL, portal+"/cp/processo/") {
			cancel()
		}
	}
	h := newHarness(t, Config{}, p, nil)

	report, err := h.orch.Run(ctx, Request{Mode: crawler.SearchByTaxID, Value: taxID, MaxPages: 1, MaxDetailsPerPage: 1})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateFailed, report.State)
	require.Equal(t, 0, report.Inserted)
	require.Equal(t, 1, report.Failed, "the canceled detail fetch gets an outcome")
	require.Empty(t, h.archived(t, crawler.PageKindDetail))
}

func TestBudgetTryAcquire(t *testing.T) {
	t.Parallel()

	b := newBudget(5)
	var granted atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.tryAcquire() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(5), granted.Load())
	require.Equal(t, 5, b.count())

	var unlimited *budget
	require.True(t, unlimited.tryAcquire())
}

func TestClampBudget(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2, clampBudget(0, 2, 20))
	require.Equal(t, 2, clampBudget(-1, 2, 20))
	require.Equal(t, 7, clampBudget(7, 2, 20))
	require.Equal(t, 20, clampBudget(99, 2, 20))
}

func TestPickDetailLink(t *testing.T) {
	t.Parallel()

	links := []string{
		"/cp/processo/0015648-78.1999.4.05.0000",
		"/cp/processo/0800123-45.2021.4.05.8300",
	}
	require.Equal(t, links[1], pickDetailLink(links, "08001234520214058300"))
	require.Equal(t, links[0], pickDetailLink(links, "99999999999999999999"))
	require.Empty(t, pickDetailLink([]string{"/cp/ajuda"}, "08001234520214058300"))
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "DETAIL_FETCH", StateDetailFetch.String())
	text, err := StateDone.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "DONE", string(text))
}
