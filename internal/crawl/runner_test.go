package crawl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	blobmem "github.com/JakeFAU/bookwatch/internal/blob/memory"
	"github.com/JakeFAU/bookwatch/internal/catalog"
	pubmem "github.com/JakeFAU/bookwatch/internal/publisher/memory"
	storemem "github.com/JakeFAU/bookwatch/internal/store/memory"
)

const baseURL = "https://example.org/catalogue/page-1.html"

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string][]byte
	errs  map[string]error
	calls map[string]int
	gate  chan struct{}
	// gateHit receives one value when a Fetch reaches the gate, so tests
	// can wait until a gated run is actually in flight before proceeding.
	gateHit chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string][]byte),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (catalog.Page, error) {
	if f.gate != nil {
		if f.gateHit != nil {
			select {
			case f.gateHit <- struct{}{}:
			default:
			}
		}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return catalog.Page{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if err, ok := f.errs[url]; ok {
		return catalog.Page{}, err
	}
	body, ok := f.pages[url]
	if !ok {
		return catalog.Page{}, catalog.NewFetchError(url, 404, false, errors.New("not found"))
	}
	return catalog.Page{URL: url, FinalURL: url, StatusCode: 200, Body: body}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

func listingHTML(itemHrefs []string, next string) []byte {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, href := range itemHrefs {
		fmt.Fprintf(&b, `<article class="product_pod"><h3><a href=%q>t</a></h3></article>`, href)
	}
	if next != "" {
		fmt.Fprintf(&b, `<ul class="pager"><li class="next"><a href=%q>next</a></li></ul>`, next)
	}
	b.WriteString("</body></html>")
	return []byte(b.String())
}

func bookHTML(name, price, rating, availability string) []byte {
	return []byte(fmt.Sprintf(`<html><body>
<ul class="breadcrumb"><a href="/">Home</a><a href="/fiction">Fiction</a></ul>
<div class="product_main"><h1>%s</h1><p class="star-rating %s"></p></div>
<div id="product_description"></div><p>A fine book.</p>
<table>
<tr><th>Price (excl. tax)</th><td>£%s</td></tr>
<tr><th>Price (incl. tax)</th><td>£%s</td></tr>
<tr><th>Availability</th><td>%s</td></tr>
<tr><th>Number of reviews</th><td>2</td></tr>
</table>
</body></html>`, name, rating, price, price, availability))
}

type env struct {
	fetcher   *fakeFetcher
	store     *storemem.Store
	blobs     *blobmem.BlobStore
	publisher *pubmem.Publisher
	runner    *Runner
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	if cfg.BaseURL == "" {
		cfg.BaseURL = baseURL
	}
	if cfg.Workers == 0 {
		cfg.Workers = 3
	}
	e := &env{
		fetcher:   newFakeFetcher(),
		store:     storemem.New(),
		blobs:     blobmem.New(),
		publisher: pubmem.New(),
	}
	runner, err := NewRunner(cfg, Deps{
		Fetcher:   e.fetcher,
		Store:     e.store,
		Blobs:     e.blobs,
		Publisher: e.publisher,
		Clock:     &fixedClock{now: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		IDs:       &seqIDs{},
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	e.runner = runner
	return e
}

func (e *env) seedCatalog(books map[string][]byte) {
	urls := make([]string, 0, len(books))
	for u := range books {
		urls = append(urls, u)
	}
	e.fetcher.mu.Lock()
	defer e.fetcher.mu.Unlock()
	e.fetcher.pages[baseURL] = listingHTML(urls, "")
	for u, body := range books {
		e.fetcher.pages[u] = body
	}
}

func bookURL(n int) string {
	return fmt.Sprintf("https://example.org/catalogue/book-%d.html", n)
}

func TestRunDiscoversNewBooks(t *testing.T) {
	e := newEnv(t, Config{})
	e.seedCatalog(map[string][]byte{
		bookURL(1): bookHTML("Alpha", "10.00", "Three", "In stock (3 available)"),
		bookURL(2): bookHTML("Beta", "20.00", "Five", "In stock (1 available)"),
	})

	summary, err := e.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Counts.Enumerated)
	require.Equal(t, 2, summary.Counts.New)
	require.Zero(t, summary.Counts.Failed)
	require.False(t, summary.Resumed)

	book, err := e.store.GetBookByURL(context.Background(), bookURL(1))
	require.NoError(t, err)
	require.Equal(t, "Alpha", book.Name)
	require.Equal(t, catalog.StatusActive, book.Status)
	require.NotEmpty(t, book.ContentHash)
	require.True(t, strings.HasPrefix(book.SnapshotURI, "memory://"), book.SnapshotURI)

	msgs := e.publisher.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, ChangeTopic, msgs[0].Topic)

	// Cursor is cleared once the run completes.
	cur, err := e.store.LoadCursor(context.Background())
	require.NoError(t, err)
	require.True(t, cur.Zero())
}

func TestRunPaginatesListing(t *testing.T) {
	e := newEnv(t, Config{})
	page2 := "https://example.org/catalogue/page-2.html"
	e.fetcher.pages[baseURL] = listingHTML([]string{"book-1.html"}, "page-2.html")
	e.fetcher.pages[page2] = listingHTML([]string{"book-2.html"}, "")
	e.fetcher.pages["https://example.org/catalogue/book-1.html"] = bookHTML("Alpha", "10.00", "One", "In stock")
	e.fetcher.pages["https://example.org/catalogue/book-2.html"] = bookHTML("Beta", "20.00", "Two", "In stock")

	summary, err := e.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Counts.Enumerated)
	require.Equal(t, 2, summary.Counts.New)
}

func TestRunSecondCrawlIsUnchanged(t *testing.T) {
	e := newEnv(t, Config{})
	e.seedCatalog(map[string][]byte{
		bookURL(1): bookHTML("Alpha", "10.00", "Three", "In stock (3 available)"),
	})

	_, err := e.runner.Run(context.Background())
	require.NoError(t, err)

	summary, err := e.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Counts.Unchanged)
	require.Zero(t, summary.Counts.New)
	require.Zero(t, summary.Counts.Updated)

	// No additional events beyond the first run's new_item.
	require.Len(t, e.publisher.Messages(), 1)
}

func TestRunDetectsPriceChange(t *testing.T) {
	e := newEnv(t, Config{})
	e.seedCatalog(map[string][]byte{
		bookURL(1): bookHTML("Alpha", "10.00", "Three", "In stock"),
	})
	_, err := e.runner.Run(context.Background())
	require.NoError(t, err)

	e.fetcher.mu.Lock()
	e.fetcher.pages[bookURL(1)] = bookHTML("Alpha", "15.00", "Three", "In stock")
	e.fetcher.mu.Unlock()

	summary, err := e.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Counts.Updated)

	changes, err := e.store.ListChanges(context.Background(), catalog.ChangeFilter{Kind: catalog.ChangePrice})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "10.00", changes[0].OldValue)
	require.Equal(t, "15.00", changes[0].NewValue)
}

func TestRunMarksMissingBooksRemoved(t *testing.T) {
	e := newEnv(t, Config{})
	e.seedCatalog(map[string][]byte{
		bookURL(1): bookHTML("Alpha", "10.00", "Three", "In stock"),
		bookURL(2): bookHTML("Beta", "20.00", "Five", "In stock"),
	})
	_, err := e.runner.Run(context.Background())
	require.NoError(t, err)

	e.seedCatalog(map[string][]byte{
		bookURL(1): bookHTML("Alpha", "10.00", "Three", "In stock"),
	})
	summary, err := e.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Counts.Removed)

	gone, err := e.store.GetBookByURL(context.Background(), bookURL(2))
	require.NoError(t, err)
	require.Equal(t, catalog.StatusRemoved, gone.Status)

	// A third identical run must not emit another removal.
	summary, err = e.runner.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Counts.Removed)
}

func TestRunFetchFailureDoesNotRemoveBook(t *testing.T) {
	e := newEnv(t, Config{FailureThreshold: 5})
	e.seedCatalog(map[string][]byte{
		bookURL(1): bookHTML("Alpha", "10.00", "Three", "In stock"),
		bookURL(2): bookHTML("Beta", "20.00", "Five", "In stock"),
	})
	_, err := e.runner.Run(context.Background())
	require.NoError(t, err)

	e.fetcher.mu.Lock()
	e.fetcher.errs[bookURL(2)] = catalog.NewFetchError(bookURL(2), 503, true, errors.New("unavailable"))
	e.fetcher.mu.Unlock()

	summary, err := e.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Counts.Failed)
	require.Zero(t, summary.Counts.Removed, "a failed fetch is not evidence of removal")
	require.Len(t, summary.Failures, 1)
	require.Equal(t, bookURL(2), summary.Failures[0].URL)

	still, err := e.store.GetBookByURL(context.Background(), bookURL(2))
	require.NoError(t, err)
	require.Equal(t, catalog.StatusActive, still.Status)
}

// outageStore simulates a database that drops off mid-run.
type outageStore struct {
	*storemem.Store
	upsertErr error
}

func (s *outageStore) UpsertBook(ctx context.Context, book catalog.Book, event *catalog.ChangeEvent) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	return s.Store.UpsertBook(ctx, book, event)
}

func TestRunStoreOutageAbortsRun(t *testing.T) {
	store := &outageStore{
		Store:     storemem.New(),
		upsertErr: fmt.Errorf("upsert book: %w: dial tcp 127.0.0.1:5432: connect: connection refused", catalog.ErrStoreUnavailable),
	}
	fetcher := newFakeFetcher()
	fetcher.pages[baseURL] = listingHTML([]string{"book-1.html", "book-2.html"}, "")
	fetcher.pages[bookURL(1)] = bookHTML("Alpha", "10.00", "Three", "In stock")
	fetcher.pages[bookURL(2)] = bookHTML("Beta", "20.00", "Five", "In stock")

	runner, err := NewRunner(Config{BaseURL: baseURL, Workers: 1, FailureThreshold: 5}, Deps{
		Fetcher: fetcher,
		Store:   store,
		Clock:   &fixedClock{now: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		IDs:     &seqIDs{},
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.ErrorIs(t, err, catalog.ErrStoreUnavailable)

	// An outage is a run-level abort, not a per-item failure.
	require.Zero(t, summary.Counts.Failed)
	require.Empty(t, summary.Failures)

	// Nothing was durably written, so nothing may be reconciled as removed.
	changes, listErr := store.ListChanges(context.Background(), catalog.ChangeFilter{})
	require.NoError(t, listErr)
	require.Empty(t, changes)
}

func TestRunParseFailureStoresNothing(t *testing.T) {
	e := newEnv(t, Config{FailureThreshold: 5})
	e.seedCatalog(map[string][]byte{
		bookURL(1): []byte("<html><body><p>not a product page</p></body></html>"),
	})

	summary, err := e.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Counts.Failed)

	_, err = e.store.GetBookByURL(context.Background(), bookURL(1))
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestRunCircuitBreakerAborts(t *testing.T) {
	e := newEnv(t, Config{FailureThreshold: 3, Workers: 1})
	books := make(map[string][]byte)
	for i := 1; i <= 6; i++ {
		books[bookURL(i)] = bookHTML(fmt.Sprintf("Book %d", i), "10.00", "One", "In stock")
	}
	e.seedCatalog(books)
	e.fetcher.mu.Lock()
	for i := 1; i <= 6; i++ {
		e.fetcher.errs[bookURL(i)] = catalog.NewFetchError(bookURL(i), 500, true, errors.New("boom"))
	}
	e.fetcher.mu.Unlock()

	summary, err := e.runner.Run(context.Background())
	require.ErrorIs(t, err, catalog.ErrCircuitOpen)
	require.GreaterOrEqual(t, summary.Counts.Failed, 3)

	// Cursor survives so the next invocation resumes instead of restarting.
	cur, loadErr := e.store.LoadCursor(context.Background())
	require.NoError(t, loadErr)
	require.False(t, cur.Zero())
	require.Equal(t, summary.RunID, cur.RunID)
}

func TestRunResumesFromCursor(t *testing.T) {
	e := newEnv(t, Config{Workers: 1})
	e.fetcher.pages[baseURL] = listingHTML([]string{"book-1.html", "book-2.html", "book-3.html"}, "")
	for i := 1; i <= 3; i++ {
		e.fetcher.pages[fmt.Sprintf("https://example.org/catalogue/book-%d.html", i)] =
			bookHTML(fmt.Sprintf("Book %d", i), "10.00", "Two", "In stock")
	}

	require.NoError(t, e.store.SaveCursor(context.Background(), catalog.Cursor{
		RunID:     "run-prior",
		NextIndex: 2,
		LastURL:   "https://example.org/catalogue/book-2.html",
		UpdatedAt: time.Now().UTC(),
	}))

	summary, err := e.runner.Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.Resumed)
	require.Equal(t, "run-prior", summary.RunID)
	require.Equal(t, 3, summary.Counts.Enumerated)

	require.Zero(t, e.fetcher.callCount("https://example.org/catalogue/book-1.html"))
	require.Zero(t, e.fetcher.callCount("https://example.org/catalogue/book-2.html"))
	require.Equal(t, 1, e.fetcher.callCount("https://example.org/catalogue/book-3.html"))

	// Skipped items stay in the enumerated set, so nothing is removed.
	require.Zero(t, summary.Counts.Removed)
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	e := newEnv(t, Config{})
	e.fetcher.gate = make(chan struct{})
	e.fetcher.gateHit = make(chan struct{}, 1)
	e.fetcher.pages[baseURL] = listingHTML([]string{"book-1.html"}, "")
	e.fetcher.pages["https://example.org/catalogue/book-1.html"] = bookHTML("Alpha", "10.00", "One", "In stock")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = e.runner.Run(context.Background())
	}()

	// Wait until the background run is blocked inside Fetch so it is the
	// run the poll below races against.
	<-e.fetcher.gateHit

	require.Eventually(t, func() bool {
		_, err := e.runner.Run(context.Background())
		return errors.Is(err, catalog.ErrRunInProgress)
	}, time.Second, 5*time.Millisecond)

	close(e.fetcher.gate)
	wg.Wait()
}
