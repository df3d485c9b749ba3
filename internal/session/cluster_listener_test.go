package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/mirador-session/pkg/cache"
)

func TestClusterListenerAppliesEvents(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	m, err := NewManager(c.store, testConfig("node-a"), WithClock(c.clock))
	require.NoError(t, err)

	s, err := m.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.SetAttribute(ctx, s, "x", 1))
	require.NoError(t, m.SetAttribute(ctx, s, "y", 2))
	key := s.RealID()

	assert.Equal(t, "ignored_own", m.cluster.apply(cache.Event{Kind: cache.EventModified, Key: key, Version: 9, Origin: "node-a"}))
	assert.False(t, s.IsOutdated())

	assert.Equal(t, "ignored_stale", m.cluster.apply(cache.Event{Kind: cache.EventModified, Key: key, Version: 1, Origin: "node-b"}))
	assert.False(t, s.IsOutdated())

	assert.Equal(t, "outdated", m.cluster.apply(cache.Event{Kind: cache.EventModified, Key: key, Version: 3, Origin: "node-b"}))
	assert.True(t, s.IsOutdated())
	assert.Equal(t, "ignored_stale", m.cluster.apply(cache.Event{Kind: cache.EventModified, Key: key, Version: 3, Origin: "node-c"}))

	assert.Equal(t, "attribute_removed", m.cluster.apply(cache.Event{Kind: cache.EventRemoved, Key: key, Field: "x", Version: 3, Origin: "node-b"}))
	_, ok := s.Attribute("x")
	assert.False(t, ok)

	m.removing.Store(key, struct{}{})
	assert.Equal(t, "ignored_own", m.cluster.apply(cache.Event{Kind: cache.EventRemoved, Key: key, Version: 3, Origin: "node-b"}))
	assert.True(t, s.IsValid())
	m.removing.Delete(key)

	assert.Equal(t, "invalidated", m.cluster.apply(cache.Event{Kind: cache.EventRemoved, Key: key, Version: 3, Origin: "node-b"}))
	assert.False(t, s.IsValid())

	assert.Equal(t, "ignored_unknown", m.cluster.apply(cache.Event{Kind: cache.EventRemoved, Key: key, Origin: "node-b"}))
	assert.Equal(t, "ignored_unknown", m.cluster.apply(cache.Event{Kind: cache.EventCreated, Key: "other", Version: 1, Origin: "node-b"}))
	m.cluster.Handle(cache.Event{Kind: cache.EventRemoved, Key: "other", Field: "z", Origin: "node-b"})
}
