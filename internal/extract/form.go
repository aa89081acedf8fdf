package extract

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
)

// SearchForm is the submission target and pre-filled fields of the portal's
// search form.
type SearchForm struct {
	Action string
	Method string
	Fields url.Values
}

// ParseSearchForm finds the search form on a page fetched from pageURL and
// returns its resolved action, method and hidden inputs.
func ParseSearchForm(html, pageURL string) (SearchForm, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return SearchForm{}, fmt.Errorf("parse form page: %w", err)
	}
	form := doc.Find("form").FilterFunction(func(_ int, sel *goquery.Selection) bool {
		return sel.Find(`input[type="radio"], select`).Length() > 0
	}).First()
	if form.Length() == 0 {
		form = doc.Find("form").First()
	}
	if form.Length() == 0 {
		return SearchForm{}, fmt.Errorf("%w: no search form at %s", crawler.ErrUnexpectedPageShape, pageURL)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return SearchForm{}, fmt.Errorf("parse form page url: %w", err)
	}
	action := base
	if raw := strings.TrimSpace(form.AttrOr("action", "")); raw != "" {
		ref, err := url.Parse(raw)
		if err != nil {
			return SearchForm{}, fmt.Errorf("parse form action %q: %w", raw, err)
		}
		action = base.ResolveReference(ref)
	}

	method := strings.ToUpper(strings.TrimSpace(form.AttrOr("method", "")))
	if method != http.MethodPost {
		method = http.MethodGet
	}

	fields := url.Values{}
	form.Find(`input[type="hidden"]`).Each(func(_ int, input *goquery.Selection) {
		name, ok := input.Attr("name")
		if !ok || name == "" {
			return
		}
		fields.Add(name, input.AttrOr("value", ""))
	})

	return SearchForm{Action: action.String(), Method: method, Fields: fields}, nil
}
