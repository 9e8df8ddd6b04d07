// Package memory provides an in-memory catalog.Store for development and
// testing.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/bookwatch/internal/catalog"
)

// Store keeps books, change events, and the resume cursor in process memory.
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	books   map[string]catalog.Book
	changes []catalog.ChangeEvent
	cursor  catalog.Cursor
	nextSeq int
}

// New constructs an empty Store.
func New() *Store {
	return &Store{books: make(map[string]catalog.Book)}
}

// GetBookByURL fetches the canonical record for a source URL.
func (s *Store) GetBookByURL(_ context.Context, url string) (catalog.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	book, ok := s.books[url]
	if !ok {
		return catalog.Book{}, catalog.ErrNotFound
	}
	return book, nil
}

// UpsertBook writes the book and, when event is non-nil, appends the change
// event in the same critical section so readers never observe one without
// the other.
func (s *Store) UpsertBook(_ context.Context, book catalog.Book, event *catalog.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.books[book.SourceURL]; ok && book.FirstSeen.IsZero() {
		book.FirstSeen = prior.FirstSeen
	}
	s.books[book.SourceURL] = book
	if event != nil {
		if event.ID == "" {
			s.nextSeq++
			event.ID = syntheticID(s.nextSeq)
		}
		s.changes = append(s.changes, *event)
	}
	return nil
}

// MarkMissingRemoved flips every active book absent from enumerated to
// removed and appends one removed event each. Already-removed books are
// skipped, so repeating the call is a no-op.
func (s *Store) MarkMissingRemoved(_ context.Context, enumerated map[string]struct{}, now time.Time) ([]catalog.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []catalog.ChangeEvent
	for url, book := range s.books {
		if book.Status != catalog.StatusActive {
			continue
		}
		if _, present := enumerated[url]; present {
			continue
		}
		book.Status = catalog.StatusRemoved
		s.books[url] = book

		s.nextSeq++
		events = append(events, catalog.ChangeEvent{
			ID:         syntheticID(s.nextSeq),
			BookURL:    url,
			Kind:       catalog.ChangeRemoved,
			OldValue:   string(catalog.StatusActive),
			NewValue:   string(catalog.StatusRemoved),
			OccurredAt: now,
		})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].BookURL < events[j].BookURL })
	s.changes = append(s.changes, events...)
	return events, nil
}

// ListBooks returns the filtered page of books plus the pre-pagination total.
func (s *Store) ListBooks(_ context.Context, filter catalog.BookFilter) ([]catalog.Book, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]catalog.Book, 0, len(s.books))
	for _, book := range s.books {
		if matchesBook(book, filter) {
			matched = append(matched, book)
		}
	}
	sortBooks(matched, filter.SortBy)

	total := len(matched)
	return paginate(matched, filter.Page, filter.Limit), total, nil
}

// ListChanges returns change events newest first.
func (s *Store) ListChanges(_ context.Context, filter catalog.ChangeFilter) ([]catalog.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]catalog.ChangeEvent, 0, len(s.changes))
	for i := len(s.changes) - 1; i >= 0; i-- {
		ev := s.changes[i]
		if filter.Kind != "" && ev.Kind != filter.Kind {
			continue
		}
		if filter.Day != nil && !sameUTCDay(ev.OccurredAt, *filter.Day) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// LoadCursor returns the saved resume cursor, zero when none was saved.
func (s *Store) LoadCursor(_ context.Context) (catalog.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

// SaveCursor records crawl progress.
func (s *Store) SaveCursor(_ context.Context, cursor catalog.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
	return nil
}

// ClearCursor discards the resume position after a run completes.
func (s *Store) ClearCursor(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = catalog.Cursor{}
	return nil
}

func matchesBook(book catalog.Book, filter catalog.BookFilter) bool {
	if !filter.IncludeRemoved && book.Status != catalog.StatusActive {
		return false
	}
	if filter.Category != "" && !strings.EqualFold(book.Category, filter.Category) {
		return false
	}
	if filter.Rating != "" && book.Rating != filter.Rating {
		return false
	}
	if filter.MinPrice != nil && book.PriceInclTax < *filter.MinPrice {
		return false
	}
	if filter.MaxPrice != nil && book.PriceInclTax > *filter.MaxPrice {
		return false
	}
	return true
}

// sortBooks orders by the requested key descending, name ascending as the
// tiebreak, and name ascending alone when no key is given.
func sortBooks(books []catalog.Book, sortBy string) {
	sort.SliceStable(books, func(i, j int) bool {
		a, b := books[i], books[j]
		switch sortBy {
		case "rating":
			if a.Rating.Numeric() != b.Rating.Numeric() {
				return a.Rating.Numeric() > b.Rating.Numeric()
			}
		case "price":
			if a.PriceInclTax != b.PriceInclTax {
				return a.PriceInclTax > b.PriceInclTax
			}
		case "reviews":
			if a.NumReviews != b.NumReviews {
				return a.NumReviews > b.NumReviews
			}
		}
		return a.Name < b.Name
	})
}

func paginate(books []catalog.Book, page, limit int) []catalog.Book {
	if limit <= 0 {
		return books
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(books) {
		return []catalog.Book{}
	}
	end := start + limit
	if end > len(books) {
		end = len(books)
	}
	return books[start:end]
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func syntheticID(seq int) string {
	return "mem-" + strconv.Itoa(seq)
}
