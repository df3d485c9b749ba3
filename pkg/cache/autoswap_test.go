package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoSwap_UsesRealStoreWhenReachable(t *testing.T) {
	fallback := NewMemory()
	real := NewMemory()
	a := NewAutoSwap(fallback, func(context.Context) (Store, error) { return real, nil }, nil, AutoSwapOptions{Interval: 10 * time.Millisecond})
	defer a.Close()

	assert.False(t, a.Degraded())
	_, err := a.Apply(context.Background(), Mutation{Key: "k", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, real.Len())
	assert.Equal(t, 0, fallback.Len())
}

func TestAutoSwap_SwapsAndMovesSubscriptions(t *testing.T) {
	ctx := context.Background()
	fallback := NewMemory()
	real := NewMemory()
	var ready atomic.Bool
	var swapped atomic.Int32

	a := NewAutoSwap(fallback, func(context.Context) (Store, error) {
		if !ready.Load() {
			return nil, errors.New("connection refused")
		}
		return real, nil
	}, nil, AutoSwapOptions{
		Interval: 10 * time.Millisecond,
		OnSwap:   func(Store) { swapped.Add(1) },
	})
	defer a.Close()

	require.True(t, a.Degraded())
	assert.True(t, IsDegraded(Instrument(a, BackendValkey)))

	rec := &eventRecorder{}
	sub, err := a.Subscribe(rec.handle)
	require.NoError(t, err)
	defer sub.Close()

	_, err = a.Apply(ctx, Mutation{Key: "k", Version: 1, Origin: "n1"})
	require.NoError(t, err)
	assert.Equal(t, 1, fallback.Len())
	rec.waitFor(t, 1)

	ready.Store(true)
	require.Eventually(t, func() bool { return !a.Degraded() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), swapped.Load())

	_, err = a.Apply(ctx, Mutation{Key: "k2", Version: 1, Origin: "n1"})
	require.NoError(t, err)
	assert.Equal(t, 1, real.Len())

	events := rec.waitFor(t, 2)
	assert.Equal(t, "k2", events[1].Key)
	assert.Equal(t, 0, fallback.events.count(), "subscription left the fallback")
}

func TestAutoSwap_CloseClosesBoth(t *testing.T) {
	fallback := NewMemory()
	a := NewAutoSwap(fallback, func(context.Context) (Store, error) { return nil, errors.New("down") }, nil, AutoSwapOptions{Interval: time.Hour})
	require.NoError(t, a.Close())
	assert.ErrorIs(t, fallback.Ping(context.Background()), ErrClosed)
}
