package catalog

import (
	"context"
	"time"
)

// Fetcher retrieves a page over HTTP. Implementations bound concurrency and
// handle retry/backoff internally; a returned error is final for the attempt.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Store owns the canonical book and change-event collections plus the resume
// cursor. UpsertBook applies the book write and its change event (when one
// was decided) as one logically atomic unit.
type Store interface {
	GetBookByURL(ctx context.Context, url string) (Book, error)
	UpsertBook(ctx context.Context, book Book, event *ChangeEvent) error
	// MarkMissingRemoved flips every active book whose URL is absent from
	// enumerated to removed, appending one removed event each.
	MarkMissingRemoved(ctx context.Context, enumerated map[string]struct{}, now time.Time) ([]ChangeEvent, error)

	ListBooks(ctx context.Context, filter BookFilter) ([]Book, int, error)
	ListChanges(ctx context.Context, filter ChangeFilter) ([]ChangeEvent, error)

	LoadCursor(ctx context.Context) (Cursor, error)
	SaveCursor(ctx context.Context, cursor Cursor) error
	ClearCursor(ctx context.Context) error
}

// BlobStore writes raw page snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes change events to downstream consumers (reporting).
// Publication is best-effort; failures never abort the crawl.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces change-event and run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
