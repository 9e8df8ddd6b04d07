// Package crawl orchestrates one crawl run: enumerate the catalog listing,
// process each item through fetch, parse, fingerprint, and classification,
// persist results, then reconcile removals.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookwatch/internal/catalog"
	"github.com/JakeFAU/bookwatch/internal/detect"
	"github.com/JakeFAU/bookwatch/internal/fingerprint"
	"github.com/JakeFAU/bookwatch/internal/metrics"
	"github.com/JakeFAU/bookwatch/internal/parser"
)

// ChangeTopic is the publish channel for item-level change events.
const ChangeTopic = "book-changes"

// Config controls one Runner.
type Config struct {
	BaseURL             string
	Workers             int
	MaxListingPages     int
	FailureThreshold    int
	SnapshotPrefix      string
	SnapshotContentType string
}

// Deps are the collaborators a Runner drives. Publisher and Blobs may be
// nil; publication and snapshotting are then skipped.
type Deps struct {
	Fetcher   catalog.Fetcher
	Store     catalog.Store
	Blobs     catalog.BlobStore
	Publisher catalog.Publisher
	Clock     catalog.Clock
	IDs       catalog.IDGenerator
	Logger    *zap.Logger
}

// Runner executes crawl runs. At most one run may be active at a time.
type Runner struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	running bool
}

// NewRunner builds a Runner.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if deps.Fetcher == nil || deps.Store == nil || deps.Clock == nil || deps.IDs == nil {
		return nil, fmt.Errorf("fetcher, store, clock, and id generator are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 10
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, deps: deps}, nil
}

// Running reports whether a crawl run is currently executing.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

type itemResult struct {
	index   int
	url     string
	outcome detect.Outcome
	failed  bool
	reason  string
	fatal   error
}

// Run executes one crawl run to completion. A saved cursor from an
// interrupted run resumes processing at the first incomplete item. The
// returned summary is populated even when err is non-nil.
func (r *Runner) Run(ctx context.Context) (catalog.RunSummary, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return catalog.RunSummary{}, catalog.ErrRunInProgress
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	started := r.deps.Clock.Now()
	summary := catalog.RunSummary{Started: started}

	cursor, err := r.deps.Store.LoadCursor(ctx)
	if err != nil {
		return r.finalize(summary, fmt.Errorf("load cursor: %w", err))
	}

	runID := cursor.RunID
	if cursor.Zero() {
		runID, err = r.deps.IDs.NewID()
		if err != nil {
			return r.finalize(summary, fmt.Errorf("generate run id: %w", err))
		}
	} else {
		summary.Resumed = true
		r.deps.Logger.Info("resuming interrupted run",
			zap.String("run_id", runID),
			zap.Int("next_index", cursor.NextIndex),
		)
	}
	summary.RunID = runID

	urls, err := r.enumerate(ctx)
	if err != nil {
		return r.finalize(summary, fmt.Errorf("enumerate catalog: %w", err))
	}
	summary.Counts.Enumerated = len(urls)

	start := cursor.NextIndex
	if start > len(urls) {
		start = len(urls)
	}

	if err := r.processItems(ctx, runID, urls, start, &summary); err != nil {
		// The cursor is left in place so the next run resumes.
		return r.finalize(summary, err)
	}

	removedEvents, err := r.deps.Store.MarkMissingRemoved(ctx, urlSet(urls), r.deps.Clock.Now())
	if err != nil {
		return r.finalize(summary, fmt.Errorf("reconcile removals: %w", err))
	}
	summary.Counts.Removed = len(removedEvents)
	for i := range removedEvents {
		metrics.ObserveChangeEvent(string(catalog.ChangeRemoved))
		r.publish(ctx, &removedEvents[i])
	}

	if err := r.deps.Store.ClearCursor(ctx); err != nil {
		return r.finalize(summary, fmt.Errorf("clear cursor: %w", err))
	}
	return r.finalize(summary, nil)
}

func (r *Runner) finalize(summary catalog.RunSummary, err error) (catalog.RunSummary, error) {
	summary.Finished = r.deps.Clock.Now()
	result := "succeeded"
	if err != nil {
		summary.ErrorText = err.Error()
		result = "failed"
	}
	metrics.ObserveRun(result, summary.Finished.Sub(summary.Started))
	r.deps.Logger.Info("crawl run finished",
		zap.String("run_id", summary.RunID),
		zap.String("result", result),
		zap.Int("enumerated", summary.Counts.Enumerated),
		zap.Int("new", summary.Counts.New),
		zap.Int("updated", summary.Counts.Updated),
		zap.Int("unchanged", summary.Counts.Unchanged),
		zap.Int("removed", summary.Counts.Removed),
		zap.Int("failed", summary.Counts.Failed),
	)
	return summary, err
}

// enumerate walks the listing pagination and returns every item URL in a
// stable order. Listing pages are fetched sequentially; a failure here is
// fatal because a partial enumeration would corrupt removal reconciliation.
func (r *Runner) enumerate(ctx context.Context) ([]string, error) {
	var (
		urls    []string
		seen    = make(map[string]struct{})
		pageURL = r.cfg.BaseURL
	)
	for pages := 0; pageURL != ""; pages++ {
		if r.cfg.MaxListingPages > 0 && pages >= r.cfg.MaxListingPages {
			break
		}
		page, err := r.deps.Fetcher.Fetch(ctx, pageURL)
		if err != nil {
			metrics.ObservePage("listing", 0)
			return nil, fmt.Errorf("fetch listing %s: %w", pageURL, err)
		}
		metrics.ObservePage("listing", page.StatusCode)
		listing, err := parser.ParseListing(page.Body, pageURL)
		if err != nil {
			return nil, fmt.Errorf("parse listing %s: %w", pageURL, err)
		}
		for _, u := range listing.ItemURLs {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
		pageURL = listing.NextURL
	}
	return urls, nil
}

// processItems runs the worker pool over urls[start:] and advances the
// resume cursor as a contiguous-completion watermark: the cursor only moves
// past index i once every item at or below i has finished, so a resumed run
// never skips unprocessed items regardless of completion order. Failed items
// count as finished for watermark purposes, so after an abort the cursor can
// sit past them; they are reported in the summary and picked up by the next
// full run rather than refetched on resume.
func (r *Runner) processItems(ctx context.Context, runID string, urls []string, start int, summary *catalog.RunSummary) error {
	if start >= len(urls) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	results := make(chan itemResult)

	var wg sync.WaitGroup
	for w := 0; w < r.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				res := r.processItem(runCtx, runID, urls[idx])
				res.index = idx
				select {
				case results <- res:
				case <-runCtx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for idx := start; idx < len(urls); idx++ {
			select {
			case jobs <- idx:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		watermark   = start
		completed   = make(map[int]bool)
		consecutive int
		runErr      error
	)
	for res := range results {
		switch {
		case res.fatal != nil:
			if runErr == nil {
				runErr = res.fatal
				cancel()
			}
			continue
		case res.failed:
			summary.Counts.Failed++
			summary.Failures = append(summary.Failures, catalog.ItemFailure{URL: res.url, Reason: res.reason})
			metrics.ObserveItem("failed")
			consecutive++
			if consecutive >= r.cfg.FailureThreshold && runErr == nil {
				runErr = fmt.Errorf("%w after %d consecutive failures", catalog.ErrCircuitOpen, consecutive)
				cancel()
			}
		default:
			consecutive = 0
			summary.Counts.Fetched++
			switch res.outcome {
			case detect.OutcomeNew:
				summary.Counts.New++
			case detect.OutcomeModified:
				summary.Counts.Updated++
			case detect.OutcomeUnchanged:
				summary.Counts.Unchanged++
			}
			metrics.ObserveItem(string(res.outcome))
		}

		// Failed items advance the watermark too; they are reported in
		// the summary, not retried on resume.
		completed[res.index] = true
		for completed[watermark] {
			delete(completed, watermark)
			watermark++
		}
		if err := r.saveCursor(ctx, runID, urls, watermark); err != nil && runErr == nil {
			runErr = err
			cancel()
		}
	}

	if runErr != nil {
		return runErr
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run canceled: %w", err)
	}
	return nil
}

func (r *Runner) saveCursor(ctx context.Context, runID string, urls []string, watermark int) error {
	lastURL := ""
	if watermark > 0 && watermark <= len(urls) {
		lastURL = urls[watermark-1]
	}
	cur := catalog.Cursor{
		RunID:     runID,
		NextIndex: watermark,
		LastURL:   lastURL,
		UpdatedAt: r.deps.Clock.Now(),
	}
	if err := r.deps.Store.SaveCursor(ctx, cur); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// processItem runs the per-item pipeline. A returned fatal error aborts the
// whole run; failed results only count against the circuit breaker.
func (r *Runner) processItem(ctx context.Context, runID, url string) itemResult {
	res := itemResult{url: url}

	page, err := r.deps.Fetcher.Fetch(ctx, url)
	if err != nil {
		metrics.ObservePage("item", 0)
		res.failed = true
		res.reason = fmt.Sprintf("fetch: %v", err)
		return res
	}
	metrics.ObservePage("item", page.StatusCode)

	book, err := parser.ParseBook(page.Body, url)
	if err != nil {
		res.failed = true
		res.reason = fmt.Sprintf("parse: %v", err)
		return res
	}

	hash := fingerprint.Compute(book)

	prior, err := r.deps.Store.GetBookByURL(ctx, url)
	var priorRef *catalog.Book
	switch {
	case err == nil:
		priorRef = &prior
	case errors.Is(err, catalog.ErrNotFound):
		priorRef = nil
	default:
		res.fatal = fmt.Errorf("load prior state for %s: %w", url, err)
		return res
	}

	decision := detect.Classify(book, hash, priorRef)
	now := r.deps.Clock.Now()

	book.ContentHash = hash
	book.Status = catalog.StatusActive
	book.LastCrawled = now
	if priorRef != nil {
		book.FirstSeen = priorRef.FirstSeen
		book.SnapshotURI = priorRef.SnapshotURI
	} else {
		book.FirstSeen = now
	}

	if uri := r.snapshot(ctx, runID, url, page.Body); uri != "" {
		book.SnapshotURI = uri
	}

	event := decision.Event
	if event != nil {
		id, err := r.deps.IDs.NewID()
		if err != nil {
			res.fatal = fmt.Errorf("generate event id: %w", err)
			return res
		}
		event.ID = id
		event.OccurredAt = now
	}

	if err := r.deps.Store.UpsertBook(ctx, book, event); err != nil {
		if errors.Is(err, catalog.ErrStoreUnavailable) {
			res.fatal = fmt.Errorf("upsert %s: %w", url, err)
			return res
		}
		res.failed = true
		res.reason = fmt.Sprintf("store: %v", err)
		return res
	}

	if event != nil {
		metrics.ObserveChangeEvent(string(event.Kind))
		r.publish(ctx, event)
	}

	res.outcome = decision.Outcome
	return res
}

// snapshot stores the raw page markup. Failures are logged and swallowed;
// snapshots are an audit aid, not part of the persistence contract.
func (r *Runner) snapshot(ctx context.Context, runID, url string, body []byte) string {
	if r.deps.Blobs == nil {
		return ""
	}
	path := snapshotPath(r.cfg.SnapshotPrefix, runID, url)
	contentType := r.cfg.SnapshotContentType
	if contentType == "" {
		contentType = "text/html"
	}
	uri, err := r.deps.Blobs.PutObject(ctx, path, contentType, body)
	if err != nil {
		r.deps.Logger.Warn("snapshot write failed", zap.String("url", url), zap.Error(err))
		return ""
	}
	return uri
}

// publish pushes one change event downstream. Best effort only.
func (r *Runner) publish(ctx context.Context, event *catalog.ChangeEvent) {
	if r.deps.Publisher == nil {
		return
	}
	if _, err := r.deps.Publisher.Publish(ctx, ChangeTopic, event); err != nil {
		r.deps.Logger.Warn("publish change event failed",
			zap.String("event_id", event.ID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err),
		)
	}
}

func urlSet(urls []string) map[string]struct{} {
	set := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		set[u] = struct{}{}
	}
	return set
}

func snapshotPath(prefix, runID, url string) string {
	name := sanitizeURL(url)
	if prefix != "" {
		return fmt.Sprintf("%s/%s/%s.html", prefix, runID, name)
	}
	return fmt.Sprintf("%s/%s.html", runID, name)
}

// sanitizeURL flattens a URL into a blob object name.
func sanitizeURL(url string) string {
	out := make([]byte, 0, len(url))
	for i := 0; i < len(url); i++ {
		c := url[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
