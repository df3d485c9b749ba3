package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrument_DelegatesEveryCall(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	s := Instrument(m, BackendMemory)

	res, err := s.Apply(ctx, Mutation{Key: "k", Version: 1, Put: map[string][]byte{"a": []byte("1")}})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	e, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), e.Fields["a"])

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Remove(ctx, "k", "n1"))
	assert.Equal(t, 0, m.Len())

	sub, err := s.Subscribe(func(Event) {})
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	assert.Same(t, m, s.(interface{ Unwrap() Store }).Unwrap())
	require.NoError(t, s.Close())
}
