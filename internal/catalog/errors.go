package catalog

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across package boundaries.
var (
	// ErrNotFound means no book exists for the requested URL.
	ErrNotFound = errors.New("book not found")
	// ErrRunInProgress means a crawl run is already executing.
	ErrRunInProgress = errors.New("crawl run already in progress")
	// ErrCircuitOpen means the consecutive-failure threshold was exceeded
	// and the run aborted early.
	ErrCircuitOpen = errors.New("consecutive failure threshold exceeded")
	// ErrStoreUnavailable means persistence is unreachable; no further
	// progress can be durably recorded.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// FetchError wraps a failed fetch. Transient failures (timeouts, 5xx,
// connection resets, 429) are retried by the fetcher; permanent ones
// (other 4xx, malformed URLs) fail immediately.
type FetchError struct {
	URL        string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError builds a FetchError.
func NewFetchError(url string, status int, transient bool, err error) *FetchError {
	return &FetchError{URL: url, StatusCode: status, Transient: transient, Err: err}
}

// IsTransientFetch reports whether err is a retryable fetch failure.
func IsTransientFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}

// ParseError signals a structural mismatch on a page: a required field is
// absent or a value falls outside its fixed vocabulary. Parse errors are
// never silently defaulted.
type ParseError struct {
	URL   string
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: field %q: %v", e.URL, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError builds a ParseError.
func NewParseError(url, field string, err error) *ParseError {
	return &ParseError{URL: url, Field: field, Err: err}
}
