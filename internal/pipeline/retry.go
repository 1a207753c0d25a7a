package pipeline

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"movie-pipeline/internal/model"
)

// Default retry configurations for different operation types
var DefaultRetryConfigs = map[string]model.RetryConfig{
	"fetch": {
		MaxAttempts:       5,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	},
	"land": {
		MaxAttempts:       4,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	},
	"load": {
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 1.5,
		Jitter:            false,
	},
}

// retryConfigFor returns cfg, or the default for op when cfg is unset.
func retryConfigFor(op string, cfg model.RetryConfig) model.RetryConfig {
	if cfg.IsZero() {
		return DefaultRetryConfigs[op]
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	return cfg
}

// backoffDelay is the wait before retry number attempt (1-based).
func backoffDelay(cfg model.RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		// +/- 10%
		delay += time.Duration(float64(delay) * 0.2 * (rand.Float64() - 0.5))
	}
	return delay
}

// retry calls fn until it succeeds, returns a non-transient error, or
// cfg.MaxAttempts is reached. A server-requested Retry-After replaces the
// computed backoff when it is longer. It returns the number of attempts made
// and the last error.
func retry(ctx context.Context, cfg model.RetryConfig, fn func(attempt int) error) (int, error) {
	var err error
	attempt := 0
	for attempt < cfg.MaxAttempts {
		attempt++
		if err = fn(attempt); err == nil {
			return attempt, nil
		}
		if !IsTransient(err) || attempt >= cfg.MaxAttempts {
			break
		}

		wait := backoffDelay(cfg, attempt)
		if ra := retryAfterOf(err); ra > wait {
			wait = ra
			if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
				wait = cfg.MaxDelay
			}
		}
		if serr := sleepCtx(ctx, wait); serr != nil {
			return attempt, serr
		}
	}
	return attempt, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
