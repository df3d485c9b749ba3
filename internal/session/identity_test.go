package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitAndJoinID(t *testing.T) {
	real, route := SplitID("abc123.node-a")
	assert.Equal(t, "abc123", real)
	assert.Equal(t, "node-a", route)

	real, route = SplitID("abc123")
	assert.Equal(t, "abc123", real)
	assert.Empty(t, route)

	assert.Equal(t, "abc123.node-b", JoinID("abc123", "node-b"))
	assert.Equal(t, "abc123", JoinID("abc123", ""))
	assert.Equal(t, "abc123", RealID(JoinID("abc123", "node-c")))
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("abc.node"))
	assert.Error(t, ValidateID(""))
	assert.Error(t, ValidateID(".node"))
	assert.Error(t, ValidateID("a|b"))
	assert.Error(t, ValidateID("{a}"))
}

func TestNewRealID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := newRealID()
		assert.Len(t, id, 32)
		assert.False(t, strings.ContainsAny(id, ".-|"))
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 100)
}
