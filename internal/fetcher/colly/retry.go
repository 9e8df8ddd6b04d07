package collyfetcher

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/JakeFAU/bookwatch/internal/catalog"
)

// retryPolicy implements capped exponential backoff with jitter. The delay
// for attempt n is drawn from [base*2^n/2, base*2^n), capped at max, so
// concurrent workers retrying the same host do not synchronize.
type retryPolicy struct {
	maxRetries int
	base       time.Duration
	max        time.Duration
}

func newRetryPolicy(maxRetries int, base, max time.Duration) *retryPolicy {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &retryPolicy{maxRetries: maxRetries, base: base, max: max}
}

// ShouldRetry reports whether the given attempt (0-based) may be retried.
func (p *retryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.maxRetries {
		return false
	}
	return catalog.IsTransientFetch(err)
}

// Backoff computes the jittered delay before the next attempt.
func (p *retryPolicy) Backoff(attempt int) time.Duration {
	delay := p.base << uint(attempt)
	if delay <= 0 || delay > p.max {
		delay = p.max
	}
	half := delay / 2
	return half + jitter(half)
}

// jitter returns a cryptographically random duration in [0, n).
func jitter(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	r, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return n / 2
	}
	return time.Duration(r.Int64())
}

// rateLimitedError wraps a 429 failure and carries the server's
// Retry-After header value, either delta-seconds or an HTTP date.
type rateLimitedError struct {
	retryAfter string
	err        error
}

func (e *rateLimitedError) Error() string {
	return "rate limited: " + e.err.Error()
}

func (e *rateLimitedError) Unwrap() error { return e.err }

// retryAfterHint extracts the server-provided wait from a fetch error, if
// the response carried one.
func retryAfterHint(err error) (time.Duration, bool) {
	var rl *rateLimitedError
	if !errors.As(err, &rl) {
		return 0, false
	}
	return parseRetryAfter(rl.retryAfter)
}

func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
