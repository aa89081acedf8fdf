package crawler

import (
	"fmt"
	"net/http"
)

// NewRawPage builds the archive entry for a fetch response.
func NewRawPage(resp FetchResponse, pageCtx PageContext, clock Clock, hasher Hasher) (RawPage, error) {
	digest, err := hasher.Hash(resp.Body)
	if err != nil {
		return RawPage{}, fmt.Errorf("hash page body: %w", err)
	}
	method := resp.Method
	if method == "" {
		method = http.MethodGet
	}
	return RawPage{
		URL:       resp.URL,
		Method:    method,
		Status:    resp.StatusCode,
		Headers:   FirstHeaderValues(resp.Headers),
		HTML:      string(resp.Body),
		Context:   pageCtx,
		FetchedAt: clock.Now().UTC().Format(FetchedAtLayout),
		HashHTML:  digest,
	}, nil
}

// FirstHeaderValues flattens headers to their first value per key.
func FirstHeaderValues(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		out[key] = values[0]
	}
	return out
}

// Validate reports whether the page can be archived.
func (p RawPage) Validate() error {
	switch {
	case p.URL == "":
		return fmt.Errorf("raw page: url is required")
	case p.Method == "":
		return fmt.Errorf("raw page %s: method is required", p.URL)
	case p.Context.Kind == "":
		return fmt.Errorf("raw page %s: context.tipo is required", p.URL)
	}
	return nil
}

// Clone returns a deep copy of the page.
func (p RawPage) Clone() RawPage {
	out := p
	if p.Headers != nil {
		out.Headers = make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			out.Headers[k] = v
		}
	}
	if p.Context.PageIndex != nil {
		out.Context.PageIndex = IntPtr(*p.Context.PageIndex)
	}
	return out
}

// Clone returns a deep copy of the record.
func (r CaseRecord) Clone() CaseRecord {
	out := r
	out.LegacyNumber = cloneString(r.LegacyNumber)
	out.FilingDate = cloneString(r.FilingDate)
	out.Reporter = cloneString(r.Reporter)
	if r.Participants != nil {
		out.Participants = append([]Participant(nil), r.Participants...)
	}
	if r.Movements != nil {
		out.Movements = make([]Movement, len(r.Movements))
		for i, m := range r.Movements {
			out.Movements[i] = Movement{Date: cloneString(m.Date), Text: m.Text}
		}
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	return StringPtr(*s)
}
