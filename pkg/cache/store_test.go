package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEncoding(t *testing.T) {
	cases := []Event{
		{Kind: EventCreated, Key: "abc", Version: 1, Origin: "node-1"},
		{Kind: EventRemoved, Key: "abc", Field: "cart|items", Version: 9, Origin: "node-2"},
		{Kind: EventModified, Key: "k", Version: 1 << 40, Origin: ""},
	}
	for _, e := range cases {
		got, err := decodeEvent(encodeEvent(e))
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	for _, payload := range []string{
		"",
		"created|1|n",
		"created|x|n|k|",
		"renamed|1|n|k|",
	} {
		_, err := decodeEvent(payload)
		assert.Error(t, err, payload)
	}
}

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "connection reset" }
func (fakeNetErr) Timeout() bool   { return false }
func (fakeNetErr) Temporary() bool { return true }

var _ net.Error = fakeNetErr{}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("syntax error")))
	assert.False(t, IsTransient(ErrNotFound))
	assert.True(t, IsTransient(NewTransientError(errors.New("busy"))))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", ErrTimeout)))
	assert.True(t, IsTransient(ErrUnavailable))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("dial: %w", fakeNetErr{})))
	assert.Nil(t, NewTransientError(nil))
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "success", ResultLabel(nil))
	assert.Equal(t, "not_found", ResultLabel(fmt.Errorf("get: %w", ErrNotFound)))
	assert.Equal(t, "timeout", ResultLabel(ErrTimeout))
	assert.Equal(t, "error", ResultLabel(errors.New("x")))
}

func TestEntryClone(t *testing.T) {
	var nilEntry *Entry
	assert.Nil(t, nilEntry.Clone())

	e := &Entry{Key: "k", Version: 2, Metadata: []byte("m"), Fields: map[string][]byte{"a": []byte("1")}}
	c := e.Clone()
	c.Metadata[0] = 'x'
	c.Fields["a"][0] = '2'
	assert.Equal(t, []byte("m"), e.Metadata)
	assert.Equal(t, []byte("1"), e.Fields["a"])
}

func TestIsDegraded(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	assert.False(t, IsDegraded(m))
	assert.False(t, IsDegraded(Instrument(WithRetry(m, nil, RetryConfig{}), BackendMemory)))
}
