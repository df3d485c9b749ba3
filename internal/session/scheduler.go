package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/platformbuilds/mirador-session/internal/clock"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// pushFunc replicates the current state of one session.
type pushFunc func(ctx context.Context, s *Session) error

// Scheduler decides when a dirty session is pushed.
type Scheduler interface {
	// Touched is called when s became dirty and its request ended, or when
	// an attribute was mutated outside a request.
	Touched(ctx context.Context, s *Session) error
	// Forget drops any pending push of realID.
	Forget(realID string)
	Start(ctx context.Context)
	// Stop halts the scheduler. Pending pushes are discarded.
	Stop()
	Pending() int
}

// instantScheduler pushes on the caller's goroutine.
type instantScheduler struct {
	push pushFunc
}

func newInstantScheduler(push pushFunc) *instantScheduler {
	return &instantScheduler{push: push}
}

func (i *instantScheduler) Touched(ctx context.Context, s *Session) error {
	return i.push(ctx, s)
}

func (*instantScheduler) Forget(string)         {}
func (*instantScheduler) Start(context.Context) {}
func (*instantScheduler) Stop()                 {}
func (*instantScheduler) Pending() int          { return 0 }

// intervalScheduler coalesces touched sessions and flushes them every
// interval. A session touched several times in one period is pushed once,
// with its state at flush time.
type intervalScheduler struct {
	push     pushFunc
	clock    clock.Clock
	interval time.Duration
	logger   logger.Logger

	mu      sync.Mutex
	pending map[string]*Session
	stop    chan struct{}
	done    chan struct{}
}

func newIntervalScheduler(push pushFunc, clk clock.Clock, interval time.Duration, log logger.Logger) *intervalScheduler {
	return &intervalScheduler{
		push:     push,
		clock:    clk,
		interval: interval,
		logger:   log,
		pending:  make(map[string]*Session),
	}
}

func (i *intervalScheduler) Touched(_ context.Context, s *Session) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending[s.realID] = s
	return nil
}

func (i *intervalScheduler) Forget(realID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.pending, realID)
}

func (i *intervalScheduler) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

func (i *intervalScheduler) Start(ctx context.Context) {
	i.mu.Lock()
	if i.stop != nil {
		i.mu.Unlock()
		return
	}
	i.stop = make(chan struct{})
	i.done = make(chan struct{})
	stop, done := i.stop, i.done
	i.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-i.clock.After(i.interval):
				i.flush(ctx)
			}
		}
	}()
}

func (i *intervalScheduler) Stop() {
	i.mu.Lock()
	stop, done := i.stop, i.done
	i.stop = nil
	i.pending = make(map[string]*Session)
	i.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// flush pushes every pending session in id order.
func (i *intervalScheduler) flush(ctx context.Context) {
	i.mu.Lock()
	batch := i.pending
	i.pending = make(map[string]*Session)
	i.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := i.push(ctx, batch[id]); err != nil {
			i.logger.Warn("Scheduled session push failed", "session_id", id, "error", err)
		}
	}
}
