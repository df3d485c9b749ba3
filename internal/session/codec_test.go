package session

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unregistered struct {
	Name string
}

func TestGobCodecRoundTrip(t *testing.T) {
	c := GobCodec{}
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, v := range []interface{}{
		42,
		"alice",
		true,
		3.5,
		[]string{"a", "b"},
		map[string]interface{}{"items": 3, "owner": "bob"},
	} {
		b, err := c.Encode(v)
		require.NoError(t, err)
		got, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	b, err := c.Encode(ts)
	require.NoError(t, err)
	got, err := c.Decode(b)
	require.NoError(t, err)
	assert.True(t, ts.Equal(got.(time.Time)))
}

func TestGobCodecRejectsUnreplicableValues(t *testing.T) {
	c := GobCodec{}
	_, err := c.Encode(func() {})
	assert.Error(t, err)
	_, err = c.Encode(make(chan int))
	assert.Error(t, err)
	_, err = c.Encode(unregistered{Name: "x"})
	assert.Error(t, err, "concrete types must be registered")
}

func TestJSONCodec(t *testing.T) {
	c := JSONCodec{}
	b, err := c.Encode(map[string]interface{}{"count": 2, "name": "bob"})
	require.NoError(t, err)
	got, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"count": json.Number("2"), "name": "bob"}, got)

	_, err = c.Encode(func() {})
	assert.Error(t, err)
}

func TestNewCodec(t *testing.T) {
	c, err := NewCodec("")
	require.NoError(t, err)
	assert.Equal(t, "gob", c.Name())
	c, err = NewCodec("json")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())
	_, err = NewCodec("xml")
	assert.Error(t, err)
}

func TestIsPrimitive(t *testing.T) {
	for _, v := range []interface{}{nil, 1, int64(2), uint8(3), 1.5, "s", true, time.Now(), time.Second} {
		assert.True(t, isPrimitive(v), "%T", v)
	}
	for _, v := range []interface{}{[]int{1}, map[string]int{}, &unregistered{}, unregistered{}} {
		assert.False(t, isPrimitive(v), "%T", v)
	}
}

func TestSameValue(t *testing.T) {
	p := &unregistered{}
	assert.True(t, sameValue(1, 1))
	assert.False(t, sameValue(1, int64(1)))
	assert.True(t, sameValue(p, p))
	assert.False(t, sameValue(p, &unregistered{}))
	assert.False(t, sameValue(map[string]int{}, map[string]int{}))
	assert.False(t, sameValue([]int{1}, []int{1}))
	assert.True(t, sameValue(nil, nil))
	assert.False(t, sameValue(nil, 1))
}

func TestAttributeTypeError(t *testing.T) {
	cause := errors.New("gob: type not registered")
	err := error(&AttributeTypeError{Name: "cart", Type: "main.Cart", Err: cause})
	assert.ErrorIs(t, err, ErrInvalidAttributeType)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "cart")

	var typed *AttributeTypeError
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "main.Cart", typed.Type)
}
