package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/siherrmann/docsalud/model"
)

// Retrier runs adapter calls with a per attempt timeout and exponential backoff.
type Retrier struct {
	config model.RetryConfig
	logger *slog.Logger
}

func NewRetrier(config model.RetryConfig, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{config: config, logger: logger}
}

func (r *Retrier) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.config.InitialInterval > 0 {
		b.InitialInterval = r.config.InitialInterval
	}
	if r.config.MaxInterval > 0 {
		b.MaxInterval = r.config.MaxInterval
	}
	// the retry count bounds the run, not the elapsed time
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.config.MaxRetries), ctx)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry calls op until it succeeds, returns a permanent error, the retries are
// used up or ctx is done. Every attempt gets its own timeout. An attempt that
// runs into its timeout is reported as model.ErrProviderTimeout.
func Retry[T any](ctx context.Context, r *Retrier, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	attempt := 0

	operation := func() error {
		attempt++
		attemptCtx := ctx
		cancel := func() {}
		if r.config.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		}
		defer cancel()

		value, err := op(attemptCtx)
		if err == nil {
			result = value
			return nil
		}

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		if errors.Is(err, model.ErrUnreadableDocument) || errors.Is(err, model.ErrInvalidInput) {
			return backoff.Permanent(err)
		}
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s: %w", model.ErrProviderTimeout, name, r.config.Timeout, err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Retrying adapter call", slog.String("operation", name), slog.Int("attempt", attempt), slog.Duration("wait", wait), slog.String("error", err.Error()))
	}

	err := backoff.RetryNotify(operation, r.newBackOff(ctx), notify)
	if err != nil {
		var zero T
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			return zero, fmt.Errorf("%s: %w: %w", name, ctx.Err(), err)
		}
		return zero, fmt.Errorf("%s failed after %d attempts: %w", name, attempt, err)
	}

	return result, nil
}
