// Package extract pulls raw field values out of case detail pages and reads the
// portal's search form.
package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	"github.com/JakeFAU/trf5-crawler/internal/normalize"
)

// Participant is a raw parties-block row.
type Participant struct {
	Role string
	Name string
}

// Movement is a raw movements-block row.
type Movement struct {
	Date string
	Text string
}

// Fields holds un-normalized values. Nil or empty means the field was not found.
type Fields struct {
	CaseNumber   *string
	LegacyNumber *string
	FilingDate   *string
	Reporter     *string
	Participants []Participant
	Movements    []Movement
}

// Field names used in warnings.
const (
	FieldCaseNumber   = "numero_processo"
	FieldLegacyNumber = "numero_legado"
	FieldFilingDate   = "data_autuacao"
	FieldReporter     = "relator"
	FieldParticipants = "envolvidos"
	FieldMovements    = "movimentacoes"
)

var (
	caseNumberPattern = regexp.MustCompile(`(?i)PROCESSO\s+N[°ºo.]*\s*:?\s*(\d{7}-?\d{2}\.?\d{4}\.?\d\.?\d{2}\.?\d{4})`)
	legacyPatterns    = []*regexp.Regexp{
		regexp.MustCompile(`\((\d{2}\.\d{2}\.\d+-\d)\)`),
		regexp.MustCompile(`(?i)N[ÚU]MERO\s+(?:ANTIGO|LEGADO)\s*:?\s*(\d[\d./-]*\d)`),
	}
	filingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)AUTUADO\s+EM\s*:?\s*(\d{1,2}/\d{1,2}/\d{4})`),
		regexp.MustCompile(`(?i)AUTUA[ÇC][ÃA]O\s*:?\s*(\d{1,2}/\d{1,2}/\d{4})`),
	}
	reporterCell   = regexp.MustCompile(`(?i)^RELATORA?\b`)
	reporterInline = regexp.MustCompile(`(?i)^RELATORA?\s*:\s*(.+)$`)
	roleCell       = regexp.MustCompile(`^\p{Lu}[\p{Lu} ./()ºª-]{0,39}$`)
	movementDate   = regexp.MustCompile(`\d{1,2}/\d{1,2}/\d{4}(?:\s+\d{1,2}:\d{2})?`)
	guiaSuffix     = regexp.MustCompile(`\[Guia:.*?\].*`)
)

// Extract reads every candidate field from a detail page. Missing optional
// fields produce ErrExtractionIncomplete warnings.
func Extract(html string) (Fields, []crawler.Warning) {
	var fields Fields
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fields, []crawler.Warning{{Kind: crawler.ErrExtractionIncomplete, Field: "html", Detail: err.Error()}}
	}
	text := normalize.SelectionText(doc.Selection)

	fields.CaseNumber = firstSubmatch(text, caseNumberPattern)
	fields.LegacyNumber = firstSubmatch(text, legacyPatterns...)
	fields.FilingDate = firstSubmatch(text, filingPatterns...)
	fields.Reporter = reporter(doc)
	fields.Participants = participants(doc)
	fields.Movements = movements(doc)

	return fields, missingWarnings(fields)
}

func missingWarnings(f Fields) []crawler.Warning {
	var warnings []crawler.Warning
	missing := func(field string) {
		warnings = append(warnings, crawler.Warning{Kind: crawler.ErrExtractionIncomplete, Field: field, Detail: "not found"})
	}
	if f.CaseNumber == nil {
		missing(FieldCaseNumber)
	}
	if f.LegacyNumber == nil {
		missing(FieldLegacyNumber)
	}
	if f.FilingDate == nil {
		missing(FieldFilingDate)
	}
	if f.Reporter == nil {
		missing(FieldReporter)
	}
	if len(f.Participants) == 0 {
		missing(FieldParticipants)
	}
	if len(f.Movements) == 0 {
		missing(FieldMovements)
	}
	return warnings
}

func firstSubmatch(text string, patterns ...*regexp.Regexp) *string {
	for _, pattern := range patterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			return crawler.StringPtr(m[1])
		}
	}
	return nil
}

func reporter(doc *goquery.Document) *string {
	var found *string
	doc.Find("table tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		cells := row.ChildrenFiltered("td")
		if cells.Length() < 2 || !reporterCell.MatchString(normalize.CleanText(cells.Eq(0).Text())) {
			return true
		}
		found = crawler.StringPtr(cells.Eq(1).Text())
		return false
	})
	if found != nil {
		return found
	}
	doc.Find("p, div, span, li, td").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if m := reporterInline.FindStringSubmatch(normalize.SelectionText(sel)); m != nil {
			found = crawler.StringPtr(m[1])
			return false
		}
		return true
	})
	return found
}

func participants(doc *goquery.Document) []Participant {
	var out []Participant
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		if row.Find(`a[name^="mov_"]`).Length() > 0 {
			return
		}
		cells := row.ChildrenFiltered("td")
		if cells.Length() < 2 {
			return
		}
		role := normalize.CleanText(cells.Eq(0).Text())
		if !roleCell.MatchString(role) || reporterCell.MatchString(role) {
			return
		}
		name := cells.Eq(1).Text()
		if len([]rune(TrimLabelColon(name))) <= 1 {
			return
		}
		out = append(out, Participant{Role: role, Name: name})
	})
	return out
}

func movements(doc *goquery.Document) []Movement {
	var out []Movement
	doc.Find(`a[name^="mov_"]`).Each(func(_ int, anchor *goquery.Selection) {
		label := normalize.CleanText(anchor.Text())
		date := movementDate.FindString(label)
		if date == "" {
			date = label
		}
		cell := anchor.Closest("tr").Next().ChildrenFiltered("td").Eq(1)
		text := normalize.CleanText(guiaSuffix.ReplaceAllString(cell.Text(), ""))
		if date == "" && text == "" {
			return
		}
		out = append(out, Movement{Date: date, Text: text})
	})
	if len(out) > 0 {
		return out
	}
	doc.Find(".movimentacoes .movimento").Each(func(_ int, sel *goquery.Selection) {
		date := normalize.CleanText(sel.Find(".data").Text())
		text := normalize.CleanText(sel.Find(".texto").Text())
		if date == "" && text == "" {
			return
		}
		out = append(out, Movement{Date: date, Text: text})
	})
	return out
}

// TrimLabelColon removes the ": " the portal prints between label and value.
func TrimLabelColon(s string) string {
	return strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(s), ":"))
}
