package cache

import (
	"context"
	"errors"
	"time"

	"github.com/platformbuilds/mirador-session/internal/monitoring"
	"github.com/platformbuilds/mirador-session/internal/tracing"
)

// Instrument decorates inner with Prometheus metrics and OpenTelemetry spans
// labelled by backend.
func Instrument(inner Store, backend string) Store {
	return &instrumentedStore{inner: inner, backend: backend, tracer: tracing.GetGlobalTracer()}
}

type instrumentedStore struct {
	inner   Store
	backend string
	tracer  *tracing.SessionTracer
}

func (s *instrumentedStore) observe(ctx context.Context, op, key string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.StartStoreSpan(ctx, s.backend, op, key)
	return ctx, func(err error) {
		d := time.Since(start)
		monitoring.RecordStoreOperation(s.backend, op, d, ResultLabel(err))
		if errors.Is(err, ErrNotFound) {
			err = nil
		}
		s.tracer.RecordResult(span, d, err)
		span.End()
	}
}

func (s *instrumentedStore) Apply(ctx context.Context, m Mutation) (ApplyResult, error) {
	ctx, done := s.observe(ctx, "apply", m.Key)
	res, err := s.inner.Apply(ctx, m)
	done(err)
	return res, err
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, done := s.observe(ctx, "get", key)
	e, err := s.inner.Get(ctx, key)
	done(err)
	return e, err
}

func (s *instrumentedStore) Remove(ctx context.Context, key, origin string) error {
	ctx, done := s.observe(ctx, "remove", key)
	err := s.inner.Remove(ctx, key, origin)
	done(err)
	return err
}

func (s *instrumentedStore) Keys(ctx context.Context) ([]string, error) {
	ctx, done := s.observe(ctx, "keys", "")
	keys, err := s.inner.Keys(ctx)
	done(err)
	return keys, err
}

func (s *instrumentedStore) Subscribe(h Handler) (Subscription, error) {
	return s.inner.Subscribe(h)
}

func (s *instrumentedStore) Ping(ctx context.Context) error {
	ctx, done := s.observe(ctx, "ping", "")
	err := s.inner.Ping(ctx)
	done(err)
	return err
}

func (s *instrumentedStore) Close() error {
	return s.inner.Close()
}

// Unwrap returns the decorated store.
func (s *instrumentedStore) Unwrap() Store { return s.inner }

var _ Store = (*instrumentedStore)(nil)
