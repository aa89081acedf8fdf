package crawler

import "errors"

// Error taxonomy shared by every stage of the pipeline.
var (
	// ErrMalformedIdentifier rejects a case number or tax id before any fetch.
	ErrMalformedIdentifier = errors.New("malformed identifier")
	// ErrUnparseableDate is a recoverable per-field failure.
	ErrUnparseableDate = errors.New("unparseable date")
	// ErrUnexpectedPageShape means the classifier disagreed with the step that fetched the page.
	ErrUnexpectedPageShape = errors.New("unexpected page shape")
	// ErrPaginationAmbiguous means no pagination marker was found on a list page.
	ErrPaginationAmbiguous = errors.New("pagination ambiguous")
	// ErrExtractionIncomplete flags an optional field missing from a detail page.
	ErrExtractionIncomplete = errors.New("extraction incomplete")
	// ErrExtractionFatal means a detail page carries no usable case number.
	ErrExtractionFatal = errors.New("extraction fatal")
	// ErrPersistence wraps archive and record store failures.
	ErrPersistence = errors.New("persistence error")
	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = errors.New("not found")
)

// Warning is a non-fatal finding attached to a page or record.
type Warning struct {
	Kind   error
	Field  string
	Detail string
}

func (w Warning) String() string {
	if w.Detail == "" {
		return w.Field + ": " + w.Kind.Error()
	}
	return w.Field + ": " + w.Kind.Error() + " (" + w.Detail + ")"
}
