package cache

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// dispatcher fans events out to subscribers. Every subscriber owns an
// unbounded FIFO drained by its own goroutine, so a slow handler never
// blocks writers or other subscribers and per-key order is preserved.
type dispatcher struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger logger.Logger
	closed bool
}

func newDispatcher(log logger.Logger) *dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &dispatcher{subs: make(map[*subscriber]struct{}), logger: log}
}

type subscriber struct {
	d       *dispatcher
	handler Handler

	mu      sync.Mutex
	pending *queue.Queue
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (d *dispatcher) subscribe(h Handler) (*subscriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	s := &subscriber{
		d:       d,
		handler: h,
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	d.subs[s] = struct{}{}
	go s.run()
	return s, nil
}

// publish enqueues e for every subscriber. Callers that need a global order
// across writers must serialise calls to publish.
func (d *dispatcher) publish(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := range d.subs {
		s.enqueue(e)
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	subs := make([]*subscriber, 0, len(d.subs))
	for s := range d.subs {
		subs = append(subs, s)
	}
	d.subs = map[*subscriber]struct{}{}
	d.closed = true
	d.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (d *dispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (s *subscriber) enqueue(e Event) {
	s.mu.Lock()
	s.pending.Add(e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Length() == 0 {
		return Event{}, false
	}
	return s.pending.Remove().(Event), true
}

func (s *subscriber) run() {
	defer close(s.stopped)
	for {
		for {
			select {
			case <-s.done:
				return
			default:
			}
			e, ok := s.next()
			if !ok {
				break
			}
			s.deliver(e)
		}
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
	}
}

func (s *subscriber) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.d.logger.Error("Replication event handler panicked", "key", e.Key, "kind", string(e.Kind), "panic", r)
		}
	}()
	s.handler(e)
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
	<-s.stopped
}

// Close detaches the subscriber. Events still queued are dropped; a handler
// already running finishes. Close may be called from inside the handler.
func (s *subscriber) Close() error {
	s.d.mu.Lock()
	delete(s.d.subs, s)
	s.d.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}
