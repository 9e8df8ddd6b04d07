package catalog

import (
	"fmt"
	"time"
)

// BookStatus represents the lifecycle state of a tracked book.
type BookStatus string

// Book status values persisted in the store.
const (
	StatusActive  BookStatus = "active"
	StatusRemoved BookStatus = "removed"
)

// Rating is the ordinal star-rating label scraped from a book page.
type Rating string

// The fixed rating vocabulary. Anything else is a parse failure.
const (
	RatingOne   Rating = "One"
	RatingTwo   Rating = "Two"
	RatingThree Rating = "Three"
	RatingFour  Rating = "Four"
	RatingFive  Rating = "Five"
)

// Numeric maps the rating label onto 1..5 for sorting. Unknown labels map
// to zero so they sort below every valid rating.
func (r Rating) Numeric() int {
	switch r {
	case RatingOne:
		return 1
	case RatingTwo:
		return 2
	case RatingThree:
		return 3
	case RatingFour:
		return 4
	case RatingFive:
		return 5
	default:
		return 0
	}
}

// ParseRating validates a scraped rating label against the fixed vocabulary.
func ParseRating(label string) (Rating, error) {
	switch Rating(label) {
	case RatingOne, RatingTwo, RatingThree, RatingFour, RatingFive:
		return Rating(label), nil
	default:
		return "", fmt.Errorf("unrecognized rating label %q", label)
	}
}

// Book is the canonical record for one catalog item. Identity is SourceURL,
// which is stable across crawls.
type Book struct {
	SourceURL    string     `json:"source_url"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Category     string     `json:"category"`
	PriceInclTax float64    `json:"price_including_tax"`
	PriceExclTax float64    `json:"price_excluding_tax"`
	Availability string     `json:"availability"`
	NumReviews   int        `json:"number_of_reviews"`
	ImageURL     string     `json:"image_url"`
	Rating       Rating     `json:"rating"`
	ContentHash  string     `json:"content_hash"`
	Status       BookStatus `json:"status"`
	SnapshotURI  string     `json:"snapshot_uri,omitempty"`
	FirstSeen    time.Time  `json:"first_seen"`
	LastCrawled  time.Time  `json:"last_crawled"`
}

// ChangeKind classifies one detected mutation.
type ChangeKind string

// Change kinds appended to the change log.
const (
	ChangeNewItem      ChangeKind = "new_item"
	ChangePrice        ChangeKind = "price_change"
	ChangeAvailability ChangeKind = "availability_change"
	ChangeField        ChangeKind = "field_change"
	ChangeRemoved      ChangeKind = "removed"
)

// ChangeEvent is one immutable entry in the append-only change log. BookURL
// is denormalized so the audit trail survives later book mutations.
type ChangeEvent struct {
	ID         string     `json:"id"`
	BookURL    string     `json:"book_url"`
	Kind       ChangeKind `json:"kind"`
	Field      string     `json:"field,omitempty"`
	OldValue   string     `json:"old_value,omitempty"`
	NewValue   string     `json:"new_value,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Cursor marks crawl progress so an interrupted run resumes at the next
// unprocessed item instead of starting over. NextIndex counts contiguously
// completed items in enumeration order.
type Cursor struct {
	RunID     string    `json:"run_id"`
	NextIndex int       `json:"next_index"`
	LastURL   string    `json:"last_url"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Zero reports whether the cursor carries no resume position.
func (c Cursor) Zero() bool {
	return c.RunID == "" && c.NextIndex == 0
}

// ItemFailure records one item-level failure inside a run summary.
type ItemFailure struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// RunCounts aggregates per-item outcomes over one run.
type RunCounts struct {
	Enumerated int `json:"enumerated"`
	Fetched    int `json:"fetched"`
	New        int `json:"new"`
	Updated    int `json:"updated"`
	Unchanged  int `json:"unchanged"`
	Removed    int `json:"removed"`
	Failed     int `json:"failed"`
}

// RunSummary is the finalized result of one crawl run, consumed by the
// reporting collaborator.
type RunSummary struct {
	RunID     string        `json:"run_id"`
	Started   time.Time     `json:"started_at"`
	Finished  time.Time     `json:"finished_at"`
	Resumed   bool          `json:"resumed"`
	Counts    RunCounts     `json:"counts"`
	Failures  []ItemFailure `json:"failures,omitempty"`
	ErrorText string        `json:"error_text,omitempty"`
}

// Page is the raw result of fetching one URL.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Listing holds the item URLs extracted from one catalog listing page plus
// the next pagination target, empty when the listing is exhausted.
type Listing struct {
	ItemURLs []string
	NextURL  string
}

// BookFilter narrows and orders ListBooks results.
type BookFilter struct {
	Category       string
	Rating         Rating
	MinPrice       *float64
	MaxPrice       *float64
	SortBy         string // "rating", "price", or "reviews"
	IncludeRemoved bool
	Page           int
	Limit          int
}

// ChangeFilter narrows ListChanges results. Day selects a single UTC day.
type ChangeFilter struct {
	Day   *time.Time
	Kind  ChangeKind
	Limit int
}

// FormatPrice renders a price the way events and fingerprints carry it.
func FormatPrice(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
