package llmcaller

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/owlthread/cie/ciecore"
)

// RetryConfig configures the LLM Caller's retry policy (spec.md §4.3):
// retry Timeout/Network/RateLimited/ServerError with exponential backoff
// base*2^attempt + jitter in [0,base], up to MaxRetries. BadRequest,
// ConfigError and Cancelled are never retried.
type RetryConfig struct {
	MaxRetries    int
	BaseBackoff   time.Duration
}

// DefaultRetryConfig mirrors the closed-set defaults in spec.md §4.3.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseBackoff: 200 * time.Millisecond}
}

// retryWithBackoff runs fn, retrying while ciecore.IsRetryable(err) is true,
// up to cfg.MaxRetries additional attempts. attempts reports the total
// number of calls made to fn (1 on first-try success). Grounded in
// resilience/retry.go's exponential-backoff loop, adapted to the
// base*2^attempt + jitter formula spec.md §4.3 specifies exactly.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) (attempts int, err error) {
	for attempt := 0; ; attempt++ {
		attempts++
		err = fn()
		if err == nil {
			return attempts, nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, ciecore.ErrBadRequest) || errors.Is(err, ciecore.ErrConfig) {
			return attempts, err
		}
		if !ciecore.IsRetryable(err) {
			return attempts, err
		}
		if attempt >= cfg.MaxRetries {
			return attempts, err
		}

		delay := time.Duration(1<<uint(attempt)) * cfg.BaseBackoff
		jitter := time.Duration(rand.Int63n(int64(cfg.BaseBackoff) + 1))
		delay += jitter

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, ctx.Err()
		case <-timer.C:
		}
	}
}
