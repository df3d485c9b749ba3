package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// RetryConfig controls the retry decorator.
type RetryConfig struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	OperationTimeout time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 50 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 2 * time.Second
	}
	return c
}

// WithRetry returns a store that bounds every call by cfg.OperationTimeout and
// retries transient failures with exponential backoff. Exhausted retries
// surface as ErrTimeout or ErrUnavailable.
func WithRetry(inner Store, log logger.Logger, cfg RetryConfig) Store {
	if inner == nil {
		return nil
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &retryStore{inner: inner, logger: log, cfg: cfg.withDefaults()}
}

type retryStore struct {
	inner  Store
	logger logger.Logger
	cfg    RetryConfig
}

func (r *retryStore) Apply(ctx context.Context, m Mutation) (ApplyResult, error) {
	return withRetry(ctx, r, "apply", m.Key, func(ctx context.Context) (ApplyResult, error) {
		return r.inner.Apply(ctx, m)
	})
}

func (r *retryStore) Get(ctx context.Context, key string) (*Entry, error) {
	return withRetry(ctx, r, "get", key, func(ctx context.Context) (*Entry, error) {
		return r.inner.Get(ctx, key)
	})
}

func (r *retryStore) Remove(ctx context.Context, key, origin string) error {
	_, err := withRetry(ctx, r, "remove", key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.Remove(ctx, key, origin)
	})
	return err
}

func (r *retryStore) Keys(ctx context.Context) ([]string, error) {
	return withRetry(ctx, r, "keys", "", func(ctx context.Context) ([]string, error) {
		return r.inner.Keys(ctx)
	})
}

func (r *retryStore) Subscribe(h Handler) (Subscription, error) {
	return r.inner.Subscribe(h)
}

func (r *retryStore) Ping(ctx context.Context) error {
	_, err := callWithTimeout(ctx, r.cfg.OperationTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.Ping(ctx)
	})
	return err
}

func (r *retryStore) Close() error {
	return r.inner.Close()
}

// Unwrap returns the decorated store.
func (r *retryStore) Unwrap() Store { return r.inner }

func withRetry[T any](ctx context.Context, r *retryStore, op, key string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		res, err := callWithTimeout(ctx, r.cfg.OperationTimeout, fn)
		if err != nil && !IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("Replication store transient error; retrying",
				"operation", op,
				"key", key,
				"attempt", attempt,
				"max_attempts", r.cfg.MaxAttempts,
				"backoff", next,
				"error", err,
			)
		}),
	)
	if err == nil {
		return res, nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if ctx.Err() != nil {
		return res, err
	}
	switch {
	case !IsTransient(err), errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable):
		return res, err
	case errors.Is(err, context.DeadlineExceeded):
		return res, fmt.Errorf("%s %q after %d attempts: %w: %w", op, key, attempt, ErrTimeout, err)
	default:
		return res, fmt.Errorf("%s %q after %d attempts: %w: %w", op, key, attempt, ErrUnavailable, err)
	}
}

type callResult[T any] struct {
	val T
	err error
}

// callWithTimeout runs fn under a deadline of d. A backend that ignores its
// context still cannot hold the caller past d: fn keeps running in the
// background and its result is discarded.
func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan callResult[T], 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- callResult[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-attemptCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, NewTransientError(fmt.Errorf("%w after %s", ErrTimeout, d))
	}
}

var _ Store = (*retryStore)(nil)
