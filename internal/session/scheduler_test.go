package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/mirador-session/internal/clock"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

type pushRecorder struct {
	mu     sync.Mutex
	pushed []string
	err    error
}

func (p *pushRecorder) push(_ context.Context, s *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, s.realID)
	return p.err
}

func (p *pushRecorder) got() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.pushed...)
}

func TestInstantSchedulerPushesImmediately(t *testing.T) {
	rec := &pushRecorder{err: errors.New("down")}
	sch := newInstantScheduler(rec.push)
	err := sch.Touched(context.Background(), &Session{realID: "a"})
	assert.Error(t, err)
	assert.Equal(t, []string{"a"}, rec.got())
	assert.Zero(t, sch.Pending())
}

func TestIntervalSchedulerCoalesces(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	rec := &pushRecorder{}
	sch := newIntervalScheduler(rec.push, clk, time.Second, logger.NewNop())

	a, b := &Session{realID: "a"}, &Session{realID: "b"}
	for i := 0; i < 3; i++ {
		require.NoError(t, sch.Touched(ctx, b))
		require.NoError(t, sch.Touched(ctx, a))
	}
	assert.Equal(t, 2, sch.Pending())

	sch.Start(ctx)
	defer sch.Stop()
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, waitFor, tick)
	assert.Empty(t, rec.got(), "nothing is pushed before the period ends")

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return len(rec.got()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"a", "b"}, rec.got())
	assert.Zero(t, sch.Pending())

	require.NoError(t, sch.Touched(ctx, a))
	sch.Forget("a")
	assert.Zero(t, sch.Pending())
}

func TestIntervalSchedulerStopDiscardsPending(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	rec := &pushRecorder{err: errors.New("down")}
	sch := newIntervalScheduler(rec.push, clk, time.Second, logger.NewNop())

	sch.Start(ctx)
	sch.Start(ctx)
	require.NoError(t, sch.Touched(ctx, &Session{realID: "a"}))
	sch.Stop()
	sch.Stop()

	assert.Zero(t, sch.Pending())
	clk.Advance(time.Hour)
	assert.Empty(t, rec.got())
}
