// Package normalize canonicalizes identifiers, dates and free text scraped from
// the portal. Every function is pure.
package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
)

const (
	caseNumberDigits = 20
	taxIDDigits      = 14

	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05"
)

var (
	nonDigit    = regexp.MustCompile(`\D`)
	datePattern = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})(?:\s+(\d{1,2}):(\d{2}))?$`)
)

// reporterTitles are matched token by token, accent and case insensitive.
// Longer titles come first so "Desembargador Federal" wins over "Desembargador".
var reporterTitles = [][]string{
	{"desembargador(a)", "federal"},
	{"desembargadora", "federal"},
	{"desembargador", "federal"},
	{"juiz(a)", "federal"},
	{"juiza", "federal"},
	{"juiz", "federal"},
	{"desembargador(a)"},
	{"desembargadora"},
	{"desembargador"},
	{"des."},
	{"des"},
	{"juiz(a)"},
	{"juiza"},
	{"juiz"},
	{"dra."},
	{"dra"},
	{"dr."},
	{"dr"},
}

// CaseNumberDigitsOnly strips punctuation from a case number and requires 20 digits.
func CaseNumberDigitsOnly(input string) (string, error) {
	digits := nonDigit.ReplaceAllString(input, "")
	if len(digits) != caseNumberDigits {
		return "", fmt.Errorf("%w: case number %q has %d digits, want %d",
			crawler.ErrMalformedIdentifier, input, len(digits), caseNumberDigits)
	}
	return digits, nil
}

// CaseNumberHyphenated renders a case number as NNNNNNN-DD.YYYY.J.TR.OOOO.
func CaseNumberHyphenated(input string) (string, error) {
	d, err := CaseNumberDigitsOnly(input)
	if err != nil {
		return "", err
	}
	return d[0:7] + "-" + d[7:9] + "." + d[9:13] + "." + d[13:14] + "." + d[14:16] + "." + d[16:20], nil
}

// TaxIDDigitsOnly strips punctuation from a CNPJ and requires 14 digits.
// No checksum validation is performed.
func TaxIDDigitsOnly(input string) (string, error) {
	digits := nonDigit.ReplaceAllString(input, "")
	if len(digits) != taxIDDigits {
		return "", fmt.Errorf("%w: tax id %q has %d digits, want %d",
			crawler.ErrMalformedIdentifier, input, len(digits), taxIDDigits)
	}
	return digits, nil
}

// DateToISO converts dd/mm/yyyy to YYYY-MM-DD and dd/mm/yyyy HH:MM to
// YYYY-MM-DDTHH:MM:SS. No offset is appended.
func DateToISO(input string) (string, error) {
	m := datePattern.FindStringSubmatch(CleanText(input))
	if m == nil {
		return "", fmt.Errorf("%w: %q", crawler.ErrUnparseableDate, input)
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	hour, minute := 0, 0
	withTime := m[4] != ""
	if withTime {
		hour, _ = strconv.Atoi(m[4])
		minute, _ = strconv.Atoi(m[5])
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month || t.Hour() != hour || t.Minute() != minute {
		return "", fmt.Errorf("%w: %q is not a calendar date", crawler.ErrUnparseableDate, input)
	}
	if withTime {
		return t.Format(dateTimeLayout), nil
	}
	return t.Format(dateLayout), nil
}

// CleanText trims the input and collapses whitespace runs to a single space.
func CleanText(input string) string {
	return strings.Join(strings.Fields(input), " ")
}

// StripReporterTitle removes a leading honorific such as "Des." or
// "Desembargador(a) Federal". The input is returned unchanged when no known
// title is followed by a name.
func StripReporterTitle(input string) string {
	tokens := strings.Fields(input)
	if len(tokens) < 2 {
		return input
	}
	folded := make([]string, len(tokens))
	for i, tok := range tokens {
		folded[i] = foldToken(tok)
	}
	for _, title := range reporterTitles {
		if len(tokens) <= len(title) {
			continue
		}
		if hasPrefix(folded, title) {
			return strings.Join(tokens[len(title):], " ")
		}
	}
	return input
}

func hasPrefix(tokens, prefix []string) bool {
	for i, want := range prefix {
		if tokens[i] != want {
			return false
		}
	}
	return true
}

// foldToken lowercases and removes combining marks so "JUÍZA" matches "juiza".
func foldToken(tok string) string {
	stripper := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(stripper, tok)
	if err != nil {
		out = tok
	}
	return cases.Fold().String(out)
}
