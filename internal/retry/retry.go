// Package retry runs fallible operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Config controls the backoff schedule. The delay before retry n (0-based)
// is min(InitialDelay * BackoffFactor^n, MaxDelay).
type Config struct {
	MaxRetries    int           `json:"max_retries"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// DefaultConfig returns 3 retries starting at 1s, doubling, capped at 30s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}
}

// Classifier reports whether err is worth retrying.
type Classifier func(err error) bool

// RetryAll retries every error.
func RetryAll(error) bool { return true }

// Executor retries operations according to a Config.
type Executor struct {
	cfg       Config
	retryable Classifier
	logger    *zap.Logger
}

// New creates an Executor. A nil classifier retries every error.
// Context cancellation is never retried.
func New(cfg Config, retryable Classifier, logger *zap.Logger) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig().InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = DefaultConfig().BackoffFactor
	}
	if retryable == nil {
		retryable = RetryAll
	}
	return &Executor{cfg: cfg, retryable: retryable, logger: logger}
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

func (e *Executor) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialDelay
	b.MaxInterval = e.cfg.MaxDelay
	b.Multiplier = e.cfg.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxRetries)), ctx)
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// retries are exhausted. The last error is returned unchanged.
func Do[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || !e.retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, next time.Duration) {
		e.logger.Warn("operation failed, retrying",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.Error(err))
	}
	return backoff.RetryNotifyWithData(wrapped, e.backOff(ctx), notify)
}

// Run is Do for operations without a result value.
func (e *Executor) Run(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
