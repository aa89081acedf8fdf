package crawler

import (
	"context"
	"time"
)

// ArchiveStore is the append-only raw page log.
type ArchiveStore interface {
	// Append stores the page as a new entry and returns its surrogate id.
	// It never deduplicates or merges.
	Append(ctx context.Context, page RawPage) (string, error)
	// List returns archived pages newest first, filtered and windowed by the filter.
	List(ctx context.Context, filter ArchiveFilter) ([]RawPage, error)
}

// RecordStore holds exactly one CaseRecord per id.
type RecordStore interface {
	// Upsert replaces every field of the record stored under id, creating it when absent.
	Upsert(ctx context.Context, id string, record CaseRecord) (UpsertAction, error)
	// Get returns the record stored under id or ErrNotFound.
	Get(ctx context.Context, id string) (CaseRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes record events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher issues a single GET or POST and returns the response as fetched.
// Implementations own retries, robots.txt compliance and politeness delays.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Hasher computes content digests for archived pages.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces surrogate ids for archived pages.
type IDGenerator interface {
	NewID() (string, error)
}
