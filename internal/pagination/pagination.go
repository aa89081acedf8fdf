// Package pagination works out how many result pages a list page spans and
// which detail links it carries.
package pagination

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	"github.com/JakeFAU/trf5-crawler/internal/normalize"
)

// DefaultPageSize applies when a list page does not state its page size.
const DefaultPageSize = 10

// Mode identifies which pagination behavior the page exhibited.
type Mode int

// Pagination modes.
const (
	// ModeAmbiguous means no marker was found; the page is treated as the last one.
	ModeAmbiguous Mode = iota
	// ModeTotal derives the page count from an explicit "Total: N" marker.
	ModeTotal
	// ModeLinks follows next/last navigation anchors.
	ModeLinks
)

func (m Mode) String() string {
	switch m {
	case ModeTotal:
		return "total"
	case ModeLinks:
		return "links"
	default:
		return "ambiguous"
	}
}

// Result describes one list page.
type Result struct {
	Mode          Mode
	TotalItems    *int
	PageSize      int
	LastPageIndex *int
	NextPageLink  string
	LastPageLink  string
	DetailLinks   []string
	Warnings      []crawler.Warning
}

var (
	totalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bTotal\s*:\s*(\d+)`),
		regexp.MustCompile(`(?i)\bTotal\s+de\s+(\d+)`),
		regexp.MustCompile(`(?i)(\d+)\s+resultados?\s+encontrad`),
	}
	pageSizePattern = regexp.MustCompile(`(?i)(\d+)\s+(?:registros|resultados|itens|processos)\s+por\s+p[áa]gina`)
	nextText        = regexp.MustCompile(`(?i)^(?:pr[óo]xim[ao]|seguinte)\b|^(?:>|›)$`)
	lastText        = regexp.MustCompile(`(?i)^(?:[úu]ltim[ao]|fim)\b|^(?:>>|»)$`)
	pageParam       = regexp.MustCompile(`(?i)[?&](?:page|pagina|pag)=(\d+)`)
	detailHref      = regexp.MustCompile(`(?i)processo|\d{7}-?\d{2}\.?\d{4}\.?\d\.?\d{2}\.?\d{4}`)
	caseNumberInRef = regexp.MustCompile(`\d{7}-?\d{2}\.?\d{4}\.?\d\.?\d{2}\.?\d{4}`)
)

// Tracker paginates list pages.
type Tracker struct {
	pageSize int
}

// New builds a Tracker. A non-positive page size falls back to DefaultPageSize.
func New(pageSize int) *Tracker {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Tracker{pageSize: pageSize}
}

// Paginate inspects the list page fetched at currentIndex.
func (t *Tracker) Paginate(html string, currentIndex int) Result {
	res := Result{PageSize: t.pageSize}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		res.LastPageIndex = crawler.IntPtr(currentIndex)
		res.Warnings = append(res.Warnings, crawler.Warning{
			Kind: crawler.ErrPaginationAmbiguous, Field: "pagination", Detail: err.Error(),
		})
		return res
	}
	text := normalize.SelectionText(doc.Selection)

	res.DetailLinks = detailLinks(doc)
	res.NextPageLink, res.LastPageLink = navigationLinks(doc)

	if total, ok := findTotal(text); ok {
		if size, ok := findPageSize(text); ok {
			res.PageSize = size
		}
		res.Mode = ModeTotal
		res.TotalItems = crawler.IntPtr(total)
		res.LastPageIndex = crawler.IntPtr(LastPageIndex(total, res.PageSize))
		return res
	}

	if res.NextPageLink != "" || res.LastPageLink != "" {
		res.Mode = ModeLinks
		if idx, ok := PageIndexFromLink(res.LastPageLink); ok {
			res.LastPageIndex = crawler.IntPtr(idx)
		}
		return res
	}

	res.Mode = ModeAmbiguous
	res.LastPageIndex = crawler.IntPtr(currentIndex)
	res.Warnings = append(res.Warnings, crawler.Warning{
		Kind:   crawler.ErrPaginationAmbiguous,
		Field:  "pagination",
		Detail: "no total marker or navigation links",
	})
	return res
}

// Paginate inspects a list page with the default page size.
func Paginate(html string, currentIndex int) Result {
	return New(DefaultPageSize).Paginate(html, currentIndex)
}

// LastPageIndex is ceil(total/pageSize)-1, never below zero.
func LastPageIndex(total, pageSize int) int {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pages := (total + pageSize - 1) / pageSize
	if pages < 1 {
		return 0
	}
	return pages - 1
}

// PageIndexFromLink reads the page query parameter from a navigation href.
func PageIndexFromLink(href string) (int, bool) {
	m := pageParam.FindStringSubmatch(href)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// PageURL sets the page query parameter on listURL.
func PageURL(listURL string, index int) (string, error) {
	u, err := url.Parse(listURL)
	if err != nil {
		return "", fmt.Errorf("parse list url: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(index))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CaseNumberFromLink returns the case number embedded in a detail href, if any.
func CaseNumberFromLink(href string) string {
	return caseNumberInRef.FindString(href)
}

func findTotal(text string) (int, bool) {
	for _, pattern := range totalPatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func findPageSize(text string) (int, bool) {
	m := pageSizePattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func detailLinks(doc *goquery.Document) []string {
	var links []string
	seen := make(map[string]struct{})
	doc.Find("table tr a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" || !detailHref.MatchString(href) {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	})
	return links
}

func navigationLinks(doc *goquery.Document) (next, last string) {
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		label := normalize.CleanText(a.Text())
		href := strings.TrimSpace(a.AttrOr("href", ""))
		switch {
		case next == "" && nextText.MatchString(label):
			next = href
		case last == "" && lastText.MatchString(label):
			last = href
		}
	})
	return next, last
}
