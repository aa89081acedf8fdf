package crawler

import (
	"net/http"
	"net/url"
	"time"
)

// FetchedAtLayout renders RawPage.FetchedAt and CaseRecord.ScrapedAt.
const FetchedAtLayout = "2006-01-02T15:04:05"

// PageKind tags an archived page with the role it played in the crawl.
type PageKind string

// Page kinds stored under context.tipo.
const (
	PageKindForm   PageKind = "form"
	PageKindList   PageKind = "lista"
	PageKindDetail PageKind = "detalhe"
	PageKindError  PageKind = "erro"
)

// SearchMode identifies how a crawl reached a page.
type SearchMode string

// Search modes stored under context.busca.
const (
	SearchByNumber SearchMode = "numero"
	SearchByTaxID  SearchMode = "cnpj"
)

// Endpoint values stored under context.endpoint.
const (
	EndpointForm   = "form"
	EndpointList   = "lista"
	EndpointDetail = "detalhe"
)

// PageContext records why a page was fetched.
type PageContext struct {
	Kind       PageKind   `json:"tipo"`
	Search     SearchMode `json:"busca"`
	CaseNumber string     `json:"numero,omitempty"`
	TaxID      string     `json:"cnpj,omitempty"`
	PageIndex  *int       `json:"page_idx,omitempty"`
	Endpoint   string     `json:"endpoint,omitempty"`
}

// RawPage is one archived fetch. It is never mutated once appended.
type RawPage struct {
	ID        string            `json:"_id,omitempty"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	HTML      string            `json:"html"`
	Context   PageContext       `json:"context"`
	FetchedAt string            `json:"fetched_at"`
	HashHTML  string            `json:"hash_html"`
}

// Participant is one row of the parties block.
type Participant struct {
	Role string `json:"papel"`
	Name string `json:"nome"`
}

// Movement is one docket entry in source order.
type Movement struct {
	Date *string `json:"data"`
	Text string  `json:"texto"`
}

// CaseRecord is the projection of a detail page, keyed by the hyphenated case number.
type CaseRecord struct {
	ID           string        `json:"_id"`
	CaseNumber   string        `json:"numero_processo"`
	LegacyNumber *string       `json:"numero_legado"`
	FilingDate   *string       `json:"data_autuacao"`
	Reporter     *string       `json:"relator"`
	Participants []Participant `json:"envolvidos"`
	Movements    []Movement    `json:"movimentacoes"`
	SourceURL    string        `json:"fonte_url"`
	ScrapedAt    string        `json:"scraped_at"`
}

// UpsertAction reports whether an upsert created or replaced a record.
type UpsertAction string

// Upsert outcomes.
const (
	UpsertInserted UpsertAction = "insert"
	UpsertUpdated  UpsertAction = "update"
)

// ArchiveFilter selects archived pages for replay. Zero values match everything;
// a zero Limit means no limit.
type ArchiveFilter struct {
	Kind   PageKind
	Search SearchMode
	Skip   int
	Limit  int
}

// Matches reports whether the page passes the kind and search filters.
func (f ArchiveFilter) Matches(page RawPage) bool {
	if f.Kind != "" && page.Context.Kind != f.Kind {
		return false
	}
	if f.Search != "" && page.Context.Search != f.Search {
		return false
	}
	return true
}

// FetchRequest describes a single GET or form POST.
type FetchRequest struct {
	URL     string
	Method  string
	Form    url.Values
	Headers http.Header
}

// FetchResponse is what the Fetcher observed.
type FetchResponse struct {
	URL        string
	Method     string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// RecordEvent is published after a record is written.
type RecordEvent struct {
	ID        string       `json:"_id"`
	Action    UpsertAction `json:"action"`
	SourceURL string       `json:"fonte_url"`
	ScrapedAt string       `json:"scraped_at"`
}

// Attributes returns message attributes for brokers that support them.
func (e RecordEvent) Attributes() map[string]string {
	return map[string]string{"action": string(e.Action), "id": e.ID}
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// StringPtr returns a pointer to v.
func StringPtr(v string) *string {
	return &v
}
