package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/mirador-session/internal/clock"
	"github.com/platformbuilds/mirador-session/pkg/cache"
)

var testStart = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// recordingStore records every mutation and can be told to fail.
type recordingStore struct {
	cache.Store

	mu        sync.Mutex
	mutations []cache.Mutation

	gets      atomic.Int32
	getDelay  time.Duration
	failApply atomic.Bool
	failGet   atomic.Bool
}

var errStoreDown = cache.NewTransientError(errors.New("connection refused"))

func (r *recordingStore) Apply(ctx context.Context, m cache.Mutation) (cache.ApplyResult, error) {
	if r.failApply.Load() {
		return cache.ApplyResult{}, errStoreDown
	}
	res, err := r.Store.Apply(ctx, m)
	if err == nil {
		r.mu.Lock()
		r.mutations = append(r.mutations, m)
		r.mu.Unlock()
	}
	return res, err
}

func (r *recordingStore) Get(ctx context.Context, key string) (*cache.Entry, error) {
	r.gets.Add(1)
	if r.getDelay > 0 {
		time.Sleep(r.getDelay)
	}
	if r.failGet.Load() {
		return nil, errStoreDown
	}
	return r.Store.Get(ctx, key)
}

func (r *recordingStore) Unwrap() cache.Store { return r.Store }

func (r *recordingStore) applied() []cache.Mutation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cache.Mutation(nil), r.mutations...)
}

func (r *recordingStore) last(t *testing.T) cache.Mutation {
	t.Helper()
	all := r.applied()
	require.NotEmpty(t, all, "no mutation applied")
	return all[len(all)-1]
}

func putNames(m cache.Mutation) []string {
	return sortedKeys(m.Put)
}

type testCluster struct {
	store *cache.Memory
	clock *clock.Manual
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	clk := clock.NewManual(testStart)
	store := cache.NewMemory(cache.WithMemoryClock(clk))
	t.Cleanup(func() { _ = store.Close() })
	return &testCluster{store: store, clock: clk}
}

func testConfig(node string) Config {
	cfg := DefaultConfig()
	cfg.NodeID = node
	cfg.JvmRoute = node
	cfg.MaxInactiveInterval = 30 * time.Minute
	cfg.SweepInterval = 0
	cfg.Policy.ExpiryEnabled = false
	return cfg
}

// node starts a manager on the shared store.
func (c *testCluster) node(t *testing.T, name string, mutate func(*Config), opts ...Option) *Manager {
	t.Helper()
	return c.nodeOn(t, c.store, name, mutate, opts...)
}

func (c *testCluster) nodeOn(t *testing.T, store cache.Store, name string, mutate func(*Config), opts ...Option) *Manager {
	t.Helper()
	cfg := testConfig(name)
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(store, cfg, append([]Option{WithClock(c.clock)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

// recorder wraps the shared store of c.
func (c *testCluster) recorder() *recordingStore {
	return &recordingStore{Store: c.store}
}

type transportRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (tr *transportRecorder) SetSessionID(_ context.Context, id string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.ids = append(tr.ids, id)
	return nil
}

func (tr *transportRecorder) got() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.ids...)
}

// lifecycleCounter counts session listener callbacks.
type lifecycleCounter struct {
	created   atomic.Int32
	destroyed atomic.Int32
}

func (l *lifecycleCounter) listener() SessionListener {
	return SessionListenerFuncs{
		Created: func(context.Context, *Session) error {
			l.created.Add(1)
			return nil
		},
		Destroyed: func(context.Context, *Session) error {
			l.destroyed.Add(1)
			return nil
		},
	}
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
