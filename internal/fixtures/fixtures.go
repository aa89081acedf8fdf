// Package fixtures embeds captured TRF5 portal pages used by tests across the
// pipeline packages.
package fixtures

import (
	"embed"
	"fmt"
)

//go:embed html/*.html
var pages embed.FS

// Page names.
const (
	Detail         = "detail.html"
	DetailNoLegacy = "detail_no_legacy.html"
	DetailNoNumber = "detail_no_number.html"
	DetailFallback = "detail_fallback.html"
	DetailCompact  = "detail_compact.html"
	Form           = "form.html"
	ListTotal      = "list_total.html"
	ListLinks      = "list_links.html"
	ListNextOnly   = "list_next_only.html"
	ListAmbiguous  = "list_ambiguous.html"
	ListCompact    = "list_compact.html"
	NoResults      = "no_results.html"
	Unrecognized   = "unrecognized.html"
)

// HTML returns the named fixture. It panics when the fixture does not exist.
func HTML(name string) string {
	data, err := pages.ReadFile("html/" + name)
	if err != nil {
		panic(fmt.Sprintf("fixture %s: %v", name, err))
	}
	return string(data)
}
