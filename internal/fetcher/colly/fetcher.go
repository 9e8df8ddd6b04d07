// Package collyfetcher implements catalog.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/bookwatch/internal/catalog"
	"github.com/JakeFAU/bookwatch/internal/metrics"
)

// Config controls collector and retry behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	MaxConcurrent int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	PerHostRPS    float64
}

// Fetcher implements catalog.Fetcher using the Colly collector. One Fetcher
// is shared by all item-processing goroutines of a run; the weighted
// semaphore bounds total in-flight requests across the whole run.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	sem           *semaphore.Weighted
	retry         *retryPolicy
	logger        *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	c := colly.NewCollector(colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		sem:           semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		retry:         newRetryPolicy(cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffMax),
		logger:        logger,
		limiters:      make(map[string]*rate.Limiter),
	}
}

// Fetch executes an HTTP GET with bounded concurrency and retry/backoff.
// Transient failures (timeouts, connection resets, 5xx, 429) are retried up
// to the configured maximum; permanent ones (other 4xx, malformed URLs)
// fail immediately. A 429 with a Retry-After hint waits that long instead
// of the computed backoff.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (catalog.Page, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return catalog.Page{}, catalog.NewFetchError(rawURL, 0, false, fmt.Errorf("malformed url: %v", err))
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return catalog.Page{}, fmt.Errorf("acquire fetch slot: %w", err)
	}
	defer f.sem.Release(1)

	if err := f.waitHost(ctx, parsed.Hostname()); err != nil {
		return catalog.Page{}, err
	}

	metrics.FetchStarted()
	defer metrics.FetchFinished()

	for attempt := 0; ; attempt++ {
		page, fetchErr := f.fetchOnce(ctx, rawURL)
		if fetchErr == nil {
			return page, nil
		}

		if !f.retry.ShouldRetry(fetchErr, attempt) {
			return catalog.Page{}, fetchErr
		}

		delay := f.retry.Backoff(attempt)
		if hint, ok := retryAfterHint(fetchErr); ok {
			delay = hint
		}
		metrics.ObserveRetry()
		f.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(fetchErr),
		)

		select {
		case <-ctx.Done():
			return catalog.Page{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
}

// fetchOnce runs a single GET through a cloned collector. Cloning gives
// each attempt fresh callbacks while sharing the transport.
func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (catalog.Page, error) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		result   catalog.Page
		status   int
		headers  http.Header
		fetchErr error
	)
	start := time.Now()

	collector.OnResponse(func(r *colly.Response) {
		result = catalog.Page{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
			if r.Headers != nil {
				headers = r.Headers.Clone()
			}
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return catalog.Page{}, fmt.Errorf("visit canceled: %w", ctx.Err())
	case visitErr := <-done:
		if fetchErr != nil {
			return catalog.Page{}, classify(rawURL, status, headers, fetchErr)
		}
		if visitErr != nil {
			return catalog.Page{}, classify(rawURL, status, headers, visitErr)
		}
	}

	if result.StatusCode == 0 {
		return catalog.Page{}, catalog.NewFetchError(rawURL, 0, true, errors.New("no response received"))
	}
	return result, nil
}

// waitHost applies the optional per-host politeness limit.
func (f *Fetcher) waitHost(ctx context.Context, host string) error {
	if f.cfg.PerHostRPS <= 0 {
		return nil
	}
	f.mu.Lock()
	limiter, ok := f.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(f.cfg.PerHostRPS), 1)
		f.limiters[host] = limiter
	}
	f.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait: %w", err)
	}
	return nil
}

// classify turns a transport or HTTP error into a FetchError with the
// transient flag set per the retry contract.
func classify(rawURL string, status int, headers http.Header, err error) *catalog.FetchError {
	switch {
	case status == http.StatusTooManyRequests:
		wrapped := err
		if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
			wrapped = &rateLimitedError{retryAfter: retryAfter, err: err}
		}
		return catalog.NewFetchError(rawURL, status, true, wrapped)
	case status >= 500:
		return catalog.NewFetchError(rawURL, status, true, err)
	case status >= 400:
		return catalog.NewFetchError(rawURL, status, false, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return catalog.NewFetchError(rawURL, 0, true, err)
	}
	if strings.Contains(err.Error(), "connection reset") || strings.Contains(err.Error(), "EOF") {
		return catalog.NewFetchError(rawURL, 0, true, err)
	}
	// Unknown transport failures default to retryable.
	return catalog.NewFetchError(rawURL, 0, true, err)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
