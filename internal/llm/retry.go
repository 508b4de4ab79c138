package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

const (
	retryBaseWait = 500 * time.Millisecond
	retryMaxWait  = 8 * time.Second
)

// statusError carries an HTTP status from a provider response.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("llm: provider returned status %d: %s", e.status, e.body)
}

// retryable reports whether an error is worth another attempt: transport
// failures and 5xx/429 responses. Schema errors and other 4xx are not.
func retryable(err error) bool {
	if errors.Is(err, ErrSchema) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500 || se.status == 429
	}
	// Context cancellation propagates unchanged.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Anything else is a transport-level failure.
	return true
}

// backoffWait returns the wait before retry attempt n (1-based):
// exponential from the base with up to 50% jitter, capped.
func backoffWait(attempt int, rng *rand.Rand) time.Duration {
	wait := time.Duration(float64(retryBaseWait) * math.Pow(2, float64(attempt-1)))
	if wait > retryMaxWait {
		wait = retryMaxWait
	}
	jitter := time.Duration(rng.Float64() * 0.5 * float64(wait))
	return wait + jitter
}

// withRetry runs fn up to maxRetries times, sleeping with exponential
// backoff between attempts. Cancellation is observed between attempts.
func withRetry(ctx context.Context, maxRetries int, rng *rand.Rand, fn func() error) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffWait(attempt-1, rng)):
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			if !retryable(err) {
				return err
			}
			continue
		}
		return nil
	}
	return lastErr
}
