package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidURL is wrapped by TransportError for URLs without scheme or host.
var ErrInvalidURL = errors.New("invalid url")

// TransportError is a failed exchange: no response, or a non-2xx status.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Snippet    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode == 0:
		return fmt.Sprintf("http %s %s: %v", e.Method, e.URL, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("http %s %s: status %d: %v", e.Method, e.URL, e.StatusCode, e.Err)
	case e.Snippet != "":
		return fmt.Sprintf("http %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Snippet)
	default:
		return fmt.Sprintf("http %s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed: network errors,
// 429 and 5xx.
func (e *TransportError) Retryable() bool {
	if e.StatusCode == 0 {
		return e.Err != nil && !errors.Is(e.Err, ErrInvalidURL)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// nextRetryDelay honors Retry-After on 429, otherwise backs off
// exponentially from base, clamped to max. Network errors wait at least 10s.
func nextRetryDelay(status int, retryAfter time.Duration, attempt int, base, max time.Duration) time.Duration {
	if status == http.StatusTooManyRequests && retryAfter > 0 {
		return retryAfter
	}

	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	if status == 0 && d < 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
