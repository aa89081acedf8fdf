// Package classify labels fetched portal pages as detail, list, error, form or
// unknown using an ordered list of predicate rules.
package classify

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	"github.com/JakeFAU/trf5-crawler/internal/normalize"
)

// Kind is the semantic type of a page.
type Kind int

// Page kinds in rule priority order.
const (
	Unknown Kind = iota
	Detail
	List
	Error
	Form
)

func (k Kind) String() string {
	switch k {
	case Detail:
		return "detail"
	case List:
		return "list"
	case Error:
		return "error"
	case Form:
		return "form"
	default:
		return "unknown"
	}
}

// PageKind maps the classification onto the archive tag. Unknown pages are
// archived as errors.
func (k Kind) PageKind() crawler.PageKind {
	switch k {
	case Detail:
		return crawler.PageKindDetail
	case List:
		return crawler.PageKindList
	case Form:
		return crawler.PageKindForm
	default:
		return crawler.PageKindError
	}
}

var (
	caseNumberLabel = regexp.MustCompile(`(?i)PROCESSO\s+N[°ºo]`)
	reporterLabel   = regexp.MustCompile(`(?i)\bRELATORA?\b`)
	partiesMarker   = regexp.MustCompile(`(?i)\b(?:APTE|APDO|APDA|APELANTE|APELADO|AUTORA?|R[EÉ]U|ADVOGAD[AO]|ADV/PROC|PROCURADOR|PARTE|AGRTE|AGRDO|IMPTE|IMPDO|REQTE|REQDO|EMBTE|EMBDO|EXQTE|EXCDO)\b`)
	movementsText   = regexp.MustCompile(`(?i)MOVIMENTA[ÇC](?:[ÃA]O|[ÕO]ES)|\bANDAMENTOS?\b`)
	totalMarker     = regexp.MustCompile(`(?i)\bTotal(?:\s*:|\s+de)\s*\d+`)
	navMarker       = regexp.MustCompile(`(?i)\b(?:pr[óo]xima|[úu]ltima|anterior|primeira)\b|p[áa]gina\s+\d+`)
	noResultsMarker = regexp.MustCompile(`(?i)nenhum\s+(?:resultado|registro|processo)|n[ãa]o\s+foram\s+encontrad|sem\s+resultados|p[áa]gina\s+n[ãa]o\s+encontrada|acesso\s+negado|servi[çc]o\s+indispon[íi]vel|em\s+manuten[çc][ãa]o|\bERRO\s+\d{3}\b`)
	detailHref      = regexp.MustCompile(`(?i)processo|\d{7}-?\d{2}\.?\d{4}\.?\d\.?\d{2}\.?\d{4}`)
)

const (
	movementsSelector   = `a[name^="mov_"], .movimentacoes`
	modeSelector        = `input[type="radio"], select`
	submitSelector      = `input[type="submit"], input[type="image"], button`
	resultLinksSelector = `table tr a[href]`
)

// Page is a parsed page handed to rules.
type Page struct {
	Doc  *goquery.Document
	Text string
}

// NewPage parses html. A parse failure yields a page with no content.
func NewPage(html string) *Page {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return &Page{}
	}
	return &Page{Doc: doc, Text: normalize.SelectionText(doc.Selection)}
}

// Rule is one predicate in the classification order.
type Rule struct {
	Kind  Kind
	Match func(*Page) bool
}

// DefaultRules evaluates detail before list because detail pages carry
// table markup of their own.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: Detail, Match: IsDetail},
		{Kind: List, Match: IsList},
		{Kind: Error, Match: IsError},
		{Kind: Form, Match: IsForm},
	}
}

// Classifier applies rules in order; the first match wins.
type Classifier struct {
	rules []Rule
}

// New builds a Classifier. With no rules, DefaultRules are used.
func New(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify labels html.
func (c *Classifier) Classify(html string) Kind {
	page := NewPage(html)
	for _, rule := range c.rules {
		if rule.Match(page) {
			return rule.Kind
		}
	}
	return Unknown
}

// Classify labels html with the default rules.
func Classify(html string) Kind {
	return New().Classify(html)
}

// IsDetail requires the case-number label, reporter label, a parties block
// and a movements block.
func IsDetail(p *Page) bool {
	if p.Doc == nil {
		return false
	}
	return caseNumberLabel.MatchString(p.Text) &&
		reporterLabel.MatchString(p.Text) &&
		partiesMarker.MatchString(p.Text) &&
		hasMovements(p)
}

// IsList requires at least one result row linking to a detail page plus a
// total-count or page-navigation marker.
func IsList(p *Page) bool {
	if p.Doc == nil || !hasResultRows(p) {
		return false
	}
	return totalMarker.MatchString(p.Text) || navMarker.MatchString(p.Text)
}

// IsError matches explicit no-results or failure notices, and pages with no
// structural marker at all.
func IsError(p *Page) bool {
	if p.Doc == nil || p.Text == "" {
		return true
	}
	if noResultsMarker.MatchString(p.Text) {
		return true
	}
	return !hasAnyMarker(p)
}

// IsForm matches the search form: a mode selector and a submit control.
func IsForm(p *Page) bool {
	if p.Doc == nil {
		return false
	}
	found := false
	p.Doc.Find("form").EachWithBreak(func(_ int, form *goquery.Selection) bool {
		if form.Find(modeSelector).Length() > 0 && form.Find(submitSelector).Length() > 0 {
			found = true
		}
		return !found
	})
	return found
}

func hasMovements(p *Page) bool {
	return p.Doc.Find(movementsSelector).Length() > 0 || movementsText.MatchString(p.Text)
}

func hasResultRows(p *Page) bool {
	rows := 0
	p.Doc.Find(resultLinksSelector).Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok && detailHref.MatchString(href) {
			rows++
		}
	})
	return rows > 0
}

func hasAnyMarker(p *Page) bool {
	return caseNumberLabel.MatchString(p.Text) ||
		reporterLabel.MatchString(p.Text) ||
		hasMovements(p) ||
		hasResultRows(p) ||
		totalMarker.MatchString(p.Text) ||
		navMarker.MatchString(p.Text) ||
		IsForm(p)
}
