package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/mirador-session/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.Less(t, clock.Real{}.Since(now), time.Second)
}

func TestManualAdvanceFiresWaiters(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	ch := m.After(2 * time.Second)
	require.Equal(t, 1, m.Pending())

	m.Advance(time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired early")
	default:
	}

	m.Advance(time.Second)
	select {
	case at := <-ch:
		assert.Equal(t, start.Add(2*time.Second), at)
	default:
		t.Fatal("waiter did not fire")
	}
	assert.Equal(t, 0, m.Pending())
	assert.Equal(t, 2*time.Second, m.Since(start))
}

func TestManualSetAndImmediateAfter(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	target := time.Unix(100, 0)
	m.Set(target)
	assert.True(t, m.Now().Equal(target))

	select {
	case <-m.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}
