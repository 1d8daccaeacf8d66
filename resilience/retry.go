package resilience

import (
	"context"
	"time"
)

type (
	// RetryOptions tunes Retry.
	RetryOptions struct {
		// MaxRetries caps attempts; the classification's own MaxRetries also
		// applies and the lower bound wins.
		MaxRetries int
		// BaseDelay is the delay before the first retry.
		BaseDelay time.Duration
		// MaxDelay caps the backoff.
		MaxDelay time.Duration
		// OnRetry is invoked before each sleep with the attempt number,
		// classification and error.
		OnRetry func(attempt int, class Classification, err error)
		// ShouldRetry, when set, can veto a retry the classifier would allow.
		ShouldRetry func(err error) bool
	}
)

// Retry runs fn, classifying failures and retrying with exponential backoff.
// fn is invoked at most min(opts.MaxRetries, classification.MaxRetries) times;
// AUTH and VALIDATION failures run exactly once.
func Retry[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts RetryOptions) (T, error) {
	var zero T
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		class := Classify(err)
		if !class.Retryable {
			return zero, err
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			return zero, err
		}
		limit := opts.MaxRetries
		if class.MaxRetries < limit {
			limit = class.MaxRetries
		}
		if attempt >= limit {
			return zero, lastErr
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, class, err)
		}
		delay := Backoff(attempt, BackoffConfig{
			Base:       opts.BaseDelay,
			Max:        opts.MaxDelay,
			Multiplier: class.BackoffMultiplier,
			Jitter:     0.25,
		})
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Degrade runs primary with retries; when the final classification suggests
// degradation it runs fallback, re-raising the original error if the fallback
// also fails.
func Degrade[T any](ctx context.Context, primary, fallback func(ctx context.Context) (T, error), opts RetryOptions) (T, error) {
	out, err := Retry(ctx, primary, opts)
	if err == nil {
		return out, nil
	}
	class := Classify(err)
	if !class.ShouldDegrade || fallback == nil {
		return out, err
	}
	fbOut, fbErr := fallback(ctx)
	if fbErr != nil {
		return out, err
	}
	return fbOut, nil
}
