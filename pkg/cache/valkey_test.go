package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValkey(t *testing.T) (*Valkey, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	v := NewValkeyFromClient(client, ValkeyConfig{KeyPrefix: "test"}, nil)
	t.Cleanup(func() { _ = v.Close() })
	return v, mr
}

func indexed(t *testing.T, mr *miniredis.Miniredis, key string) bool {
	t.Helper()
	ok, err := mr.IsMember("{test}:keys", key)
	if err != nil {
		// the index set disappears once its last member is removed
		return false
	}
	return ok
}

func TestValkey_ApplyAndGet(t *testing.T) {
	ctx := context.Background()
	v, mr := newTestValkey(t)

	res, err := v.Apply(ctx, Mutation{
		Key:      "s1",
		Version:  1,
		Origin:   "node-a",
		Metadata: []byte{0x08, 0x01},
		Put:      map[string][]byte{"cart": []byte("3 items"), "user": []byte("bob")},
		TTL:      time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Applied: true, Current: 1}, res)

	e, err := v.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Version)
	assert.Equal(t, "node-a", e.Origin)
	assert.Equal(t, []byte{0x08, 0x01}, e.Metadata)
	assert.Equal(t, []byte("bob"), e.Fields["user"])
	assert.False(t, e.ExpiresAt.IsZero())

	assert.True(t, mr.Exists("{test:s1}"))
	assert.Equal(t, "1", mr.HGet("{test:s1}", "_v"))
	assert.Equal(t, "3 items", mr.HGet("{test:s1}", "a:cart"))
	assert.True(t, indexed(t, mr, "s1"))
}

func TestValkey_EntriesUseOwnHashSlot(t *testing.T) {
	v, _ := newTestValkey(t)

	assert.Equal(t, "{test:s1}", v.entryKey("s1"))
	assert.Equal(t, "{test:s1}:tomb", v.tombKey("s1"))
	assert.NotEqual(t, v.entryKey("s1"), v.entryKey("s2"))
}

func TestValkey_RemoveLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	v, mr := newTestValkey(t)

	_, err := v.Apply(ctx, Mutation{Key: "s1", Version: 3, Origin: "a"})
	require.NoError(t, err)
	require.NoError(t, v.Remove(ctx, "s1", "a"))
	tomb, err := mr.Get("{test:s1}:tomb")
	require.NoError(t, err)
	assert.Equal(t, "3", tomb)
	assert.False(t, indexed(t, mr, "s1"))

	res, err := v.Apply(ctx, Mutation{Key: "s1", Version: 3, Origin: "b"})
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Applied: false, Current: 3}, res)
	_, err = v.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	res, err = v.Apply(ctx, Mutation{Key: "s1", Version: 4, Origin: "b", Replace: true})
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Applied: false, Current: 3}, res)
	assert.False(t, mr.Exists("{test:s1}"))

	mr.FastForward(DefaultTombstoneTTL + time.Second)
	res, err = v.Apply(ctx, Mutation{Key: "s1", Version: 1, Origin: "c"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestValkey_StaleVersionIsNoop(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestValkey(t)

	_, err := v.Apply(ctx, Mutation{Key: "s1", Version: 4, Origin: "a", Metadata: []byte("m4")})
	require.NoError(t, err)

	res, err := v.Apply(ctx, Mutation{Key: "s1", Version: 4, Origin: "b", Metadata: []byte("other")})
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Applied: false, Current: 4}, res)

	res, err = v.Apply(ctx, Mutation{Key: "s1", Version: 2, Origin: "b"})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	e, err := v.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("m4"), e.Metadata)
}

func TestValkey_FieldRemovalsAndReplace(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestValkey(t)

	_, err := v.Apply(ctx, Mutation{Key: "s1", Version: 1, Put: map[string][]byte{"a": []byte("1"), "b": []byte("2"), "c": []byte("3")}})
	require.NoError(t, err)
	_, err = v.Apply(ctx, Mutation{Key: "s1", Version: 2, Remove: []string{"a"}})
	require.NoError(t, err)

	e, err := v.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, e.Fields, 2)
	assert.NotContains(t, e.Fields, "a")

	_, err = v.Apply(ctx, Mutation{Key: "s1", Version: 3, Replace: true, Put: map[string][]byte{"c": []byte("33")}})
	require.NoError(t, err)
	e, err = v.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"c": []byte("33")}, e.Fields)
}

func TestValkey_EventsThroughPubSub(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestValkey(t)

	rec := &eventRecorder{}
	sub, err := v.Subscribe(rec.handle)
	require.NoError(t, err)
	defer sub.Close()

	_, err = v.Apply(ctx, Mutation{Key: "s1", Version: 1, Origin: "n1", Put: map[string][]byte{"x": []byte("1")}})
	require.NoError(t, err)
	_, err = v.Apply(ctx, Mutation{Key: "s1", Version: 2, Origin: "n1", Remove: []string{"x"}})
	require.NoError(t, err)
	require.NoError(t, v.Remove(ctx, "s1", "n2"))

	events := rec.waitFor(t, 4)
	assert.Equal(t, []Event{
		{Kind: EventCreated, Key: "s1", Version: 1, Origin: "n1"},
		{Kind: EventRemoved, Key: "s1", Field: "x", Version: 2, Origin: "n1"},
		{Kind: EventModified, Key: "s1", Version: 2, Origin: "n1"},
		{Kind: EventRemoved, Key: "s1", Version: 2, Origin: "n2"},
	}, events)
}

func TestValkey_KeysPrunesExpired(t *testing.T) {
	ctx := context.Background()
	v, mr := newTestValkey(t)

	_, err := v.Apply(ctx, Mutation{Key: "short", Version: 1, TTL: time.Second})
	require.NoError(t, err)
	_, err = v.Apply(ctx, Mutation{Key: "long", Version: 1})
	require.NoError(t, err)

	keys, err := v.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"long", "short"}, keys)

	mr.FastForward(2 * time.Second)
	keys, err = v.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, keys)

	members, err := mr.Members("{test}:keys")
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, members)

	_, err = v.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValkey_RemoveMissingIsNoop(t *testing.T) {
	v, _ := newTestValkey(t)
	require.NoError(t, v.Remove(context.Background(), "nope", "n1"))
}

func TestValkey_UnreachableIsTransient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	v := NewValkeyFromClient(client, ValkeyConfig{}, nil)
	defer v.Close()

	mr.Close()
	err := v.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestValkey_Defaults(t *testing.T) {
	cfg := ValkeyConfig{}.withDefaults()
	assert.Equal(t, "mirador-session", cfg.KeyPrefix)
	assert.Equal(t, "mirador-session:events", cfg.Channel)
	assert.Equal(t, DefaultTombstoneTTL, cfg.TombstoneTTL)

	_, err := NewValkey(ValkeyConfig{}, nil)
	assert.Error(t, err)
}
