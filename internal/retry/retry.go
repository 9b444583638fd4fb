package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"otto/internal/logging"
)

// Config configures retry behavior.
type Config struct {
	MaxAttempts    int           // Total attempts including the first (default: 3)
	BaseDelay      time.Duration // Base delay for exponential backoff (default: 1s)
	MaxDelay       time.Duration // Maximum delay between attempts (default: 30s)
	JitterFactor   float64       // Jitter factor for randomization (0 disables jitter)
	AttemptTimeout time.Duration // Per-attempt deadline; 0 means no per-attempt limit
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Notifier receives one coalesced progress update per retry. Implementations
// are expected to update a single surface (e.g. edit the same chat message)
// rather than stacking one notification per attempt.
type Notifier interface {
	Notify(attempt int, delay time.Duration, err error)
}

// Option customizes a Do call.
type Option func(*options)

type options struct {
	logger   logging.Logger
	notifier Notifier
}

// WithLogger routes retry diagnostics to the given logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithNotifier attaches a coalesced progress notifier.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// Do executes fn with exponential backoff until it succeeds, the attempt
// budget is exhausted, or ctx is cancelled. The per-attempt timeout aborts an
// in-flight call through a child context; a timed-out attempt consumes the
// budget exactly like a business failure.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("retry")
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}

	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		result, err := runAttempt(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			if attempt > 1 {
				logger.Info("Retry succeeded on attempt %d/%d", attempt, cfg.MaxAttempts)
			}
			return result, nil
		}

		lastErr = err
		logger.Debug("Attempt %d/%d failed: %v", attempt, cfg.MaxAttempts, err)

		if attempt == cfg.MaxAttempts {
			logger.Warn("Attempt budget (%d) exhausted", cfg.MaxAttempts)
			break
		}

		delay := backoffDelay(attempt-1, cfg)
		if o.notifier != nil {
			o.notifier.Notify(attempt, delay, err)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max attempts exceeded: %w", lastErr)
}

// DoVoid is the result-free variant of Do.
func DoVoid(ctx context.Context, cfg Config, fn func(ctx context.Context) error, opts ...Option) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// backoffDelay computes baseDelay * 2^n capped at MaxDelay, with optional
// jitter in the range [-JitterFactor, +JitterFactor].
func backoffDelay(n int, cfg Config) time.Duration {
	multiplier := math.Pow(2, float64(n))
	delay := time.Duration(float64(cfg.BaseDelay) * multiplier)

	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.JitterFactor > 0 {
		jitter := float64(delay) * cfg.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = cfg.BaseDelay
		}
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return delay
}
