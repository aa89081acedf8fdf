package orchestrator

import (
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
)

// State is a step of the crawl state machine.
type State int

// Crawl states. DONE and FAILED are terminal.
const (
	StateInit State = iota
	StateFormSubmit
	StateListPage
	StateDetailFetch
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFormSubmit:
		return "FORM_SUBMIT"
	case StateListPage:
		return "LIST_PAGE"
	case StateDetailFetch:
		return "DETAIL_FETCH"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// workItem is one pending fetch.
type workItem struct {
	state      State
	url        string
	method     string
	form       url.Values
	endpoint   string
	pageIndex  int
	caseNumber string
	// budget is shared by the detail items discovered on one list page.
	budget *budget
}

// budget is a counter with atomic increment-and-check.
type budget struct {
	limit int32
	used  atomic.Int32
}

func newBudget(limit int) *budget {
	return &budget{limit: int32(limit)}
}

// tryAcquire takes one unit. A nil budget is unlimited.
func (b *budget) tryAcquire() bool {
	if b == nil {
		return true
	}
	for {
		n := b.used.Load()
		if n >= b.limit {
			return false
		}
		if b.used.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (b *budget) count() int {
	if b == nil {
		return 0
	}
	return int(b.used.Load())
}

// crawlContext is the run-wide state passed into every transition.
type crawlContext struct {
	mode              crawler.SearchMode
	caseNumber        string
	caseDigits        string
	taxID             string
	maxPages          int
	maxDetailsPerPage int

	pages            *budget
	// consecutive failures per store; a success on one store does not reset the other
	archiveFailures  atomic.Int32
	recordFailures   atomic.Int32
	persistenceLimit int32

	mu     sync.Mutex
	report Report
	// entryFailed marks a failure of the first step, after which nothing else runs.
	entryFailed bool
}

func (cc *crawlContext) pageContext(kind crawler.PageKind, endpoint string) crawler.PageContext {
	pc := crawler.PageContext{Kind: kind, Search: cc.mode, Endpoint: endpoint}
	switch cc.mode {
	case crawler.SearchByNumber:
		pc.CaseNumber = cc.caseNumber
	case crawler.SearchByTaxID:
		pc.TaxID = cc.taxID
	}
	return pc
}

func (cc *crawlContext) record(outcome Outcome) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	switch outcome {
	case OutcomeInserted:
		cc.report.Inserted++
	case OutcomeUpdated:
		cc.report.Updated++
	case OutcomeSkipped:
		cc.report.Skipped++
	case OutcomeFatal:
		cc.report.Fatal++
	case OutcomeFailed:
		cc.report.Failed++
	}
}

func (cc *crawlContext) addArchived() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.report.PagesArchived++
}

func (cc *crawlContext) addWarnings(n int) {
	if n == 0 {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.report.Warnings += n
}

func (cc *crawlContext) markEntryFailed() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.entryFailed = true
}

// persistenceFailed counts a consecutive store failure and reports whether the run must abort.
func (cc *crawlContext) persistenceFailed(counter *atomic.Int32) bool {
	return counter.Add(1) >= cc.persistenceLimit
}

func (cc *crawlContext) finish(state State) Report {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if state == StateDone && cc.entryFailed {
		state = StateFailed
	}
	cc.report.State = state
	cc.report.ListPages = cc.pages.count()
	return cc.report
}
