package orchestrator

import "github.com/JakeFAU/trf5-crawler/internal/crawler"

// Outcome is the audit result of one item.
type Outcome string

// Item outcomes.
const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFatal    Outcome = "fatal"
	OutcomeFailed   Outcome = "failed"
)

// Report summarizes a crawl run.
type Report struct {
	Mode              crawler.SearchMode `json:"mode"`
	Value             string             `json:"value"`
	State             State              `json:"state"`
	MaxPages          int                `json:"max_pages"`
	MaxDetailsPerPage int                `json:"max_details_per_page"`
	ListPages         int                `json:"list_pages"`
	PagesArchived     int                `json:"pages_archived"`
	Inserted          int                `json:"inserted"`
	Updated           int                `json:"updated"`
	Skipped           int                `json:"skipped"`
	Fatal             int                `json:"fatal"`
	Failed            int                `json:"failed"`
	Warnings          int                `json:"warnings"`
}
