// ABOUTME: Retry loop for operations that fail with retryable errors
// ABOUTME: Non-retryable errors and exhausted backoffs return immediately

package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Retryable is implemented by errors that know whether a retry can help.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether any error in err's chain is Retryable and says yes.
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// Handler reruns operations using one backoff schedule.
type Handler struct {
	strategy Strategy
	cfg      Config
	logger   *slog.Logger
}

// NewHandler creates a retry handler. Pass nil logger for default.
func NewHandler(strategy Strategy, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{strategy: strategy, cfg: cfg, logger: logger.With("component", "retry")}
}

// Do runs fn until it succeeds, fails with a non-retryable error, the backoff
// is exhausted, or ctx is done. The last error from fn is returned.
func (h *Handler) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, h, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, h *Handler, fn func(ctx context.Context) (T, error)) (T, error) {
	b := New(h.strategy, h.cfg)
	for {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !IsRetryable(err) {
			return v, err
		}
		delay, ok := b.Next()
		if !ok {
			return v, err
		}

		h.logger.Debug("retrying after error", "attempt", b.Attempts(), "delay", delay, "error", err)
		if delay == 0 {
			if ctx.Err() != nil {
				return v, err
			}
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return v, err
		case <-timer.C:
		}
	}
}
