// Package pipeline projects an archived detail page into a CaseRecord. The
// online crawl and offline reprocessing both go through Build, so a stored
// page always yields the same record.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	"github.com/JakeFAU/trf5-crawler/internal/extract"
	"github.com/JakeFAU/trf5-crawler/internal/normalize"
)

// Result is a projected record plus its non-fatal findings.
type Result struct {
	Record   crawler.CaseRecord
	Warnings []crawler.Warning
}

// Build extracts and normalizes the record carried by page. It fails with
// ErrExtractionFatal when neither the primary nor the legacy case number is
// present. ScrapedAt is the page's FetchedAt.
func Build(page crawler.RawPage) (Result, error) {
	fields, warnings := extract.Extract(page.HTML)
	res := Result{Warnings: warnings}

	var legacy *string
	if fields.LegacyNumber != nil {
		if v := normalize.CleanText(*fields.LegacyNumber); v != "" {
			legacy = &v
		}
	}

	id := ""
	if fields.CaseNumber != nil {
		hyphenated, err := normalize.CaseNumberHyphenated(*fields.CaseNumber)
		if err != nil {
			res.warn(err, extract.FieldCaseNumber, *fields.CaseNumber)
		} else {
			id = hyphenated
		}
	}
	if id == "" && legacy != nil {
		id = *legacy
	}
	if id == "" {
		return res, fmt.Errorf("%w: no case number on %s", crawler.ErrExtractionFatal, page.URL)
	}

	res.Record = crawler.CaseRecord{
		ID:           id,
		CaseNumber:   id,
		LegacyNumber: legacy,
		FilingDate:   res.date(fields.FilingDate, extract.FieldFilingDate),
		Reporter:     reporter(fields.Reporter),
		Participants: participants(fields.Participants),
		Movements:    res.movements(fields.Movements),
		SourceURL:    page.URL,
		ScrapedAt:    page.FetchedAt,
	}
	return res, nil
}

func (r *Result) warn(err error, field, detail string) {
	kind := crawler.ErrExtractionIncomplete
	switch {
	case errors.Is(err, crawler.ErrUnparseableDate):
		kind = crawler.ErrUnparseableDate
	case errors.Is(err, crawler.ErrMalformedIdentifier):
		kind = crawler.ErrMalformedIdentifier
	}
	r.Warnings = append(r.Warnings, crawler.Warning{Kind: kind, Field: field, Detail: detail})
}

func (r *Result) date(raw *string, field string) *string {
	if raw == nil {
		return nil
	}
	iso, err := normalize.DateToISO(*raw)
	if err != nil {
		r.warn(err, field, *raw)
		return nil
	}
	return &iso
}

func (r *Result) movements(raw []extract.Movement) []crawler.Movement {
	out := make([]crawler.Movement, 0, len(raw))
	for i, m := range raw {
		out = append(out, crawler.Movement{
			Date: r.date(&m.Date, fmt.Sprintf("%s[%d].data", extract.FieldMovements, i)),
			Text: normalize.CleanText(m.Text),
		})
	}
	return out
}

func reporter(raw *string) *string {
	if raw == nil {
		return nil
	}
	name := normalize.StripReporterTitle(normalize.CleanText(extract.TrimLabelColon(*raw)))
	if name == "" {
		return nil
	}
	return &name
}

func participants(raw []extract.Participant) []crawler.Participant {
	out := make([]crawler.Participant, 0, len(raw))
	for _, p := range raw {
		out = append(out, crawler.Participant{
			Role: normalize.CleanText(p.Role),
			Name: normalize.CleanText(extract.TrimLabelColon(p.Name)),
		})
	}
	return out
}
