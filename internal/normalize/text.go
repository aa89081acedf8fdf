package normalize

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// blockElements get a space on both sides when flattened, so text from
// adjacent cells or paragraphs never runs together.
var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "body": true,
	"br": true, "caption": true, "dd": true, "div": true, "dl": true, "dt": true,
	"fieldset": true, "footer": true, "form": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "header": true, "hr": true, "html": true,
	"legend": true, "li": true, "main": true, "nav": true, "ol": true, "option": true,
	"p": true, "pre": true, "section": true, "select": true, "table": true, "tbody": true,
	"td": true, "tfoot": true, "th": true, "thead": true, "title": true, "tr": true, "ul": true,
}

// SelectionText flattens the text of sel. Block elements are separated by a
// space, inline elements are joined as written, script and style are dropped,
// and the result is passed through CleanText.
func SelectionText(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(*goquery.Selection)
	walk = func(s *goquery.Selection) {
		s.Contents().Each(func(_ int, child *goquery.Selection) {
			name := goquery.NodeName(child)
			switch {
			case name == "#text":
				b.WriteString(child.Text())
			case name == "script" || name == "style" || strings.HasPrefix(name, "#"):
			case blockElements[name]:
				b.WriteByte(' ')
				walk(child)
				b.WriteByte(' ')
			default:
				walk(child)
			}
		})
	}
	walk(sel)
	return CleanText(b.String())
}
