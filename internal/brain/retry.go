package brain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

// StatusError is a non-2xx reply from an HTTP generator.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("brain http status %d: %s", e.Code, e.Body)
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Retryable reports whether err is a transient upstream failure worth another
// attempt. Cancellation never is.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return IsRetryableHTTPStatus(se.Code)
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return IsRetryableHTTPStatus(oe.StatusCode)
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return IsRetryableHTTPStatus(ae.StatusCode)
	}
	var ge genai.APIError
	if errors.As(err, &ge) {
		return IsRetryableHTTPStatus(ge.Code)
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retrying re-runs a generator on retryable failures. A retry is only
// attempted while nothing has been streamed yet, so listeners never see a
// reply twice.
type Retrying struct {
	inner    Generator
	attempts int
	base     time.Duration
	cap      time.Duration
	sleep    func(context.Context, time.Duration) error
}

func NewRetrying(inner Generator, attempts int, base, cap time.Duration) *Retrying {
	if attempts <= 0 {
		attempts = 1
	}
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if cap < base {
		cap = 8 * base
	}
	return &Retrying{inner: inner, attempts: attempts, base: base, cap: cap, sleep: sleepCtx}
}

func (r *Retrying) Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		streamed := false
		resp, err := r.inner.Generate(ctx, req, func(delta string) error {
			streamed = true
			if onDelta == nil {
				return nil
			}
			return onDelta(delta)
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if streamed || !Retryable(err) || attempt == r.attempts-1 {
			break
		}
		if err := r.sleep(ctx, ExponentialBackoff(attempt, r.base, r.cap)); err != nil {
			return Response{}, err
		}
	}
	return Response{}, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
