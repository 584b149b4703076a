// Package resilience runs outbound calls under a per-attempt timeout with
// exponential backoff between retryable failures.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fabfab/rag-local-api/apperr"
)

// Policy bounds one logical call. MaxAttempts counts the first try.
type Policy struct {
	Name            string
	Timeout         time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy returns a policy with three attempts starting at 200ms.
func DefaultPolicy(name string, timeout time.Duration) Policy {
	return Policy{
		Name:            name,
		Timeout:         timeout,
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// WithAttempts returns a copy of p with a different attempt budget.
func (p Policy) WithAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// attempt budget runs out. An attempt that overruns p.Timeout fails with
// apperr.ErrTimeout.
func Do(ctx context.Context, logger *zap.SugaredLogger, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, logger, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for calls that produce a result.
func DoValue[T any](ctx context.Context, logger *zap.SugaredLogger, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	attempt := 0
	op := func() error {
		attempt++
		value, err := runAttempt(ctx, p, fn)
		if err == nil {
			result = value
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !apperr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if logger != nil {
			logger.Warnw("retrying call", "call", p.Name, "attempt", attempt, "wait", wait, "error", err)
		}
	}

	if err := backoff.RetryNotify(op, newBackOff(ctx, p, attempts), notify); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func runAttempt[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attemptCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	value, err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() != nil) {
		return value, fmt.Errorf("%s after %s: %w", callName(p), p.Timeout, apperr.ErrTimeout)
	}
	return value, err
}

func newBackOff(ctx context.Context, p Policy, attempts int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

func callName(p Policy) string {
	if p.Name == "" {
		return "call"
	}
	return p.Name
}
