package upload

import (
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// RetryPolicy decides whether a failed exchange is attempted again. attempt is
// the number of retries already made for the exchange and elapsed the time since
// the upload started.
type RetryPolicy interface {
	Decide(err error, attempt int, elapsed time.Duration) (delay time.Duration, retry bool)
}

// ShouldRetryFunc replaces the default classification of retryable errors.
type ShouldRetryFunc func(err error, attempt int) bool

// RetryState tracks the retries of one exchange.
type RetryState struct {
	Attempt   int
	LastError error
}

// DefaultRetryPolicy retries after 0s, 1s, 3s and 5s.
func DefaultRetryPolicy() RetryPolicy {
	return DelayPolicy{Delays: []time.Duration{0, time.Second, 3 * time.Second, 5 * time.Second}}
}

// DelayPolicy retries once per entry of Delays, waiting that long.
type DelayPolicy struct {
	Delays      []time.Duration
	ShouldRetry ShouldRetryFunc
}

func (p DelayPolicy) Decide(err error, attempt int, _ time.Duration) (time.Duration, bool) {
	if attempt < 0 || attempt >= len(p.Delays) {
		return 0, false
	}
	if !shouldRetry(p.ShouldRetry, err, attempt) {
		return 0, false
	}
	return p.Delays[attempt], true
}

// BackoffPolicy retries up to MaxAttempts times with exponential backoff between
// Min and Max. A Retry-After header on 429 and 503 responses is honoured. With
// Jitter the delay is randomized linearly instead.
type BackoffPolicy struct {
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration
	// MaxElapsed stops retrying once the upload has been running that long. Zero
	// means no limit.
	MaxElapsed  time.Duration
	Jitter      bool
	ShouldRetry ShouldRetryFunc
}

func (p BackoffPolicy) Decide(err error, attempt int, elapsed time.Duration) (time.Duration, bool) {
	if attempt < 0 || attempt >= p.MaxAttempts {
		return 0, false
	}
	if p.MaxElapsed > 0 && elapsed >= p.MaxElapsed {
		return 0, false
	}
	if !shouldRetry(p.ShouldRetry, err, attempt) {
		return 0, false
	}

	backoff := retryablehttp.DefaultBackoff
	if p.Jitter {
		backoff = retryablehttp.LinearJitterBackoff
	}
	return backoff(p.Min, p.Max, attempt, backoffResponse(err)), true
}

// backoffResponse rebuilds the parts of the failed response the backoff
// functions look at.
func backoffResponse(err error) *http.Response {
	var e *Error
	if !errors.As(err, &e) || e.Response == nil {
		return nil
	}
	resp := &http.Response{StatusCode: e.Response.StatusCode(), Header: http.Header{}}
	if v := e.Response.Header("Retry-After"); v != "" {
		resp.Header.Set("Retry-After", v)
	}
	return resp
}

func shouldRetry(override ShouldRetryFunc, err error, attempt int) bool {
	if override != nil {
		return override(err, attempt)
	}
	return IsRetryable(err)
}

// IsRetryable is the default classification: network errors and responses
// outside the 4xx range are retried, as are 409, 423 and 429.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Kind {
	case KindNetwork:
		return true
	case KindHTTP:
		status := e.StatusCode()
		switch status {
		case http.StatusConflict, http.StatusLocked, http.StatusTooManyRequests:
			return true
		}
		return status < 400 || status >= 500
	default:
		return false
	}
}

// retryableKind reports whether err may reach a RetryPolicy at all.
func retryableKind(err error) bool {
	switch kindOf(err) {
	case KindNetwork, KindHTTP:
		return true
	default:
		return false
	}
}
