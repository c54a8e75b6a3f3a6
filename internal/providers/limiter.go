package providers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// retryAfterCap bounds how long a Retry-After header can make us wait.
const retryAfterCap = 60 * time.Second

// newLimiter builds a token bucket matching a provider's declared budget:
// limit.Requests tokens refilling over limit.WindowSeconds. Search and
// download each consume one token.
func newLimiter(limit RateLimit) *rate.Limiter {
	if limit.Requests <= 0 || limit.WindowSeconds <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	refill := rate.Limit(float64(limit.Requests) / float64(limit.WindowSeconds))
	return rate.NewLimiter(refill, limit.Requests)
}

// parseRetryAfter reads a Retry-After header (seconds or HTTP date) and
// caps the result. Returns the cap when the header is missing or invalid,
// since a 429 without guidance still needs a pause.
func parseRetryAfter(h http.Header) time.Duration {
	value := h.Get("Retry-After")
	if value == "" {
		return retryAfterCap
	}
	if secs, err := strconv.Atoi(value); err == nil {
		d := time.Duration(secs) * time.Second
		if d < 0 {
			return 0
		}
		if d > retryAfterCap {
			return retryAfterCap
		}
		return d
	}
	if at, err := http.ParseTime(value); err == nil {
		d := time.Until(at)
		if d < 0 {
			return 0
		}
		if d > retryAfterCap {
			return retryAfterCap
		}
		return d
	}
	return retryAfterCap
}

// capRetryAfter bounds a provider-reported wait.
func capRetryAfter(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > retryAfterCap {
		return retryAfterCap
	}
	return d
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
