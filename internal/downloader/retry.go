package downloader

import (
	"context"
	"errors"
	"time"

	"github.com/iconidentify/muxgrab/internal/config"
	"github.com/iconidentify/muxgrab/internal/domain"
)

// RetryPolicy bounds how often and how patiently a stream request is retried.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// PolicyFrom builds a RetryPolicy from the download settings, falling back
// to 3 attempts starting at 2s and capped at 30s.
func PolicyFrom(cfg config.DownloadConfig) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
	}
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.RetryDelay > 0 {
		p.InitialDelay = cfg.RetryDelay
	}
	if cfg.MaxRetryDelay > 0 {
		p.MaxDelay = cfg.MaxRetryDelay
	}
	return p
}

// delay returns the wait before attempt n+1 (n counts from 1), doubling
// from InitialDelay up to MaxDelay.
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	return min(d, p.MaxDelay)
}

// retry runs fn until it succeeds, returns a permanent error, the context
// ends, or the policy's attempts are used up. onRetry, if set, sees each
// failure that will be retried.
func retry[T any](
	ctx context.Context,
	p RetryPolicy,
	fn func() (T, error),
	onRetry func(attempt int, err error, wait time.Duration),
) (T, error) {
	var zero T
	attempts := max(p.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if attempt >= attempts || ctx.Err() != nil || !retryable(err) {
			return zero, err
		}

		wait := p.delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// retryable reports whether a failed stream request is worth repeating.
// Only 429, 5xx and transport errors are.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, domain.ErrAccessRestricted), errors.Is(err, domain.ErrNotFound):
		return false
	case errors.Is(err, errRangeIgnored):
		return false
	case errors.Is(err, errRateLimited):
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}
