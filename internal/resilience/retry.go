package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with exponential backoff and jitter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try)
	// for transient failures. A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the base delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 30s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%). Default: 0.25.
	JitterFraction float64

	// MaxRateLimitWaits is how many rate-limit cooldowns are tolerated. These
	// do not consume MaxAttempts. Default: 5; negative disables waiting.
	MaxRateLimitWaits int

	// RateLimitCooldown is the wait used when a rate-limit error carries no
	// Retry-After hint. Default: 30s.
	RateLimitCooldown time.Duration

	// MaxRateLimitCooldown caps server-provided Retry-After values. Default: 5m.
	MaxRateLimitCooldown time.Duration

	// ShouldRetry optionally overrides the default transient-error check.
	// If nil, IsTransient is used. Rate-limit errors bypass it.
	ShouldRetry func(err error) bool

	// OnRetry is called before each transient retry sleep.
	OnRetry func(attempt int, err error)

	// OnRateLimit is called before each rate-limit cooldown.
	OnRateLimit func(wait int, delay time.Duration, err error)
}

// DefaultRetryConfig returns a sensible retry configuration for API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:          3,
		InitialBackoff:       500 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
		Multiplier:           2.0,
		JitterFraction:       0.25,
		MaxRateLimitWaits:    5,
		RateLimitCooldown:    30 * time.Second,
		MaxRateLimitCooldown: 5 * time.Minute,
	}
}

// Do executes fn with retry logic according to cfg.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal executes fn and retries transient failures with exponential backoff.
// Rate-limit errors are waited out separately, counted against
// MaxRateLimitWaits instead of MaxAttempts. Any other error returns
// immediately. Context cancellation stops retries.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var attempts, waits int
	for {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}

		if ctx.Err() != nil {
			return zero, err
		}

		var delay time.Duration
		if hint, limited := RateLimitDelay(err); limited {
			if waits >= cfg.MaxRateLimitWaits {
				return zero, err
			}
			waits++
			delay = hint
			if delay <= 0 {
				delay = cfg.RateLimitCooldown
			}
			if delay > cfg.MaxRateLimitCooldown {
				delay = cfg.MaxRateLimitCooldown
			}
			if cfg.OnRateLimit != nil {
				cfg.OnRateLimit(waits, delay, err)
			}
		} else {
			if !shouldRetry(err) {
				return zero, err
			}
			attempts++
			if attempts >= cfg.MaxAttempts {
				return zero, err
			}
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempts, err)
			}
			delay = computeBackoff(attempts-1, cfg)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	switch {
	case cfg.MaxRateLimitWaits == 0:
		cfg.MaxRateLimitWaits = 5
	case cfg.MaxRateLimitWaits < 0:
		cfg.MaxRateLimitWaits = 0
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = 30 * time.Second
	}
	if cfg.MaxRateLimitCooldown <= 0 {
		cfg.MaxRateLimitCooldown = 5 * time.Minute
	}
	return cfg
}

func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}

	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns OnRetry and OnRateLimit callbacks that log through zap.
func RetryLogger(service, operation string) (func(int, error), func(int, time.Duration, error)) {
	log := zap.L().With(zap.String("service", service), zap.String("operation", operation))
	onRetry := func(attempt int, err error) {
		log.Warn("retrying operation", zap.Int("attempt", attempt), zap.Error(err))
	}
	onRateLimit := func(wait int, delay time.Duration, err error) {
		log.Warn("rate limited, cooling down",
			zap.Int("wait", wait),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	return onRetry, onRateLimit
}
