package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/platformbuilds/mirador-session/internal/monitoring"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// AutoSwapOptions tunes the auto-swapping store.
type AutoSwapOptions struct {
	// Interval between connection attempts while degraded.
	Interval time.Duration
	// OnSwap runs after the real backend took over. Entries written to the
	// fallback are not copied; callers use the hook to resynchronise.
	OnSwap func(Store)
}

// AutoSwap serves from a fallback store (usually Memory) until the real
// backend becomes reachable, then atomically swaps and moves every
// subscription over.
type AutoSwap struct {
	mu       sync.RWMutex
	current  Store
	fallback Store
	degraded bool
	subs     map[*swapSub]struct{}

	logger logger.Logger
	opts   AutoSwapOptions
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewAutoSwap dials the real backend once. When that fails it serves from
// fallback and keeps calling dial in the background until it succeeds.
func NewAutoSwap(fallback Store, dial func(context.Context) (Store, error), log logger.Logger, opts AutoSwapOptions) *AutoSwap {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	a := &AutoSwap{
		current:  fallback,
		fallback: fallback,
		degraded: true,
		subs:     make(map[*swapSub]struct{}),
		logger:   log,
		opts:     opts,
		stopCh:   make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Interval)
	real, err := dial(ctx)
	cancel()
	if err == nil {
		a.current = real
		a.degraded = false
		monitoring.SetStoreDegraded(false)
		return a
	}

	a.logger.Warn("Replication store unreachable; replicating into process-local fallback", "error", err)
	monitoring.SetStoreDegraded(true)
	a.wg.Add(1)
	go a.connect(dial)
	return a
}

func (a *AutoSwap) connect(dial func(context.Context) (Store, error)) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.opts.Interval)
			real, err := dial(ctx)
			cancel()
			if err != nil {
				a.logger.Warn("Replication store connection attempt failed; will retry", "error", err)
				continue
			}
			a.swap(real)
			return // stop after first successful swap
		}
	}
}

func (a *AutoSwap) swap(real Store) {
	a.mu.Lock()
	a.current = real
	a.degraded = false
	for s := range a.subs {
		s.reattach(real, a.logger)
	}
	a.mu.Unlock()

	monitoring.SetStoreDegraded(false)
	a.logger.Info("Replication store connection established; switched from fallback to real store")
	if a.opts.OnSwap != nil {
		a.opts.OnSwap(real)
	}
}

// Degraded reports whether the fallback store is serving.
func (a *AutoSwap) Degraded() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.degraded
}

// Stop stops the background connector.
func (a *AutoSwap) Stop() {
	a.once.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *AutoSwap) active() Store {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

func (a *AutoSwap) Apply(ctx context.Context, m Mutation) (ApplyResult, error) {
	return a.active().Apply(ctx, m)
}

func (a *AutoSwap) Get(ctx context.Context, key string) (*Entry, error) {
	return a.active().Get(ctx, key)
}

func (a *AutoSwap) Remove(ctx context.Context, key, origin string) error {
	return a.active().Remove(ctx, key, origin)
}

func (a *AutoSwap) Keys(ctx context.Context) ([]string, error) {
	return a.active().Keys(ctx)
}

func (a *AutoSwap) Ping(ctx context.Context) error {
	return a.active().Ping(ctx)
}

// Subscribe registers h with the active store and moves it to the real store
// on swap.
func (a *AutoSwap) Subscribe(h Handler) (Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inner, err := a.current.Subscribe(h)
	if err != nil {
		return nil, err
	}
	s := &swapSub{parent: a, handler: h, inner: inner}
	a.subs[s] = struct{}{}
	return s, nil
}

// Close stops the connector and closes both stores.
func (a *AutoSwap) Close() error {
	a.Stop()
	a.mu.Lock()
	current, fallback := a.current, a.fallback
	a.subs = map[*swapSub]struct{}{}
	a.mu.Unlock()

	err := current.Close()
	if fallback != current {
		err = multierr.Append(err, fallback.Close())
	}
	return err
}

type swapSub struct {
	parent  *AutoSwap
	handler Handler

	mu    sync.Mutex
	inner Subscription
}

func (s *swapSub) reattach(real Store, log logger.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.inner.Close()
	inner, err := real.Subscribe(s.handler)
	if err != nil {
		log.Error("Failed to move event subscription to the real store", "error", err)
		s.inner = noopSubscription{}
		return
	}
	s.inner = inner
}

func (s *swapSub) Close() error {
	s.parent.mu.Lock()
	delete(s.parent.subs, s)
	s.parent.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}

type noopSubscription struct{}

func (noopSubscription) Close() error { return nil }

var _ Store = (*AutoSwap)(nil)
