package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/platformbuilds/mirador-session/internal/clock"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// Memory is a process-local Store. One instance can be shared by several
// managers in the same process, which then behave like cluster nodes.
// Expired entries are purged lazily and by the optional cleanup routine.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*Entry
	tombs   map[string]tombstone
	tombTTL time.Duration
	clock   clock.Clock
	events  *dispatcher
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// tombstone remembers the version a key was removed at.
type tombstone struct {
	version int64
	expires time.Time
}

// MemoryOption customises a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock sets the clock used for TTL bookkeeping.
func WithMemoryClock(c clock.Clock) MemoryOption {
	return func(m *Memory) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithMemoryTombstoneTTL sets how long removed keys reject writes.
func WithMemoryTombstoneTTL(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.tombTTL = d
		}
	}
}

// WithMemoryLogger sets the logger used by event delivery.
func WithMemoryLogger(l logger.Logger) MemoryOption {
	return func(m *Memory) {
		if l != nil {
			m.events = newDispatcher(l)
		}
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*Entry),
		tombs:   make(map[string]tombstone),
		tombTTL: DefaultTombstoneTTL,
		clock:   clock.Real{},
		events:  newDispatcher(nil),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply implements Store.
func (m *Memory) Apply(_ context.Context, mut Mutation) (ApplyResult, error) {
	if err := validateMutation(mut); err != nil {
		return ApplyResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ApplyResult{}, ErrClosed
	}

	cur := m.liveLocked(mut.Key)
	if cur != nil && mut.Version <= cur.Version {
		return ApplyResult{Applied: false, Current: cur.Version}, nil
	}
	if cur == nil {
		if t, ok := m.tombLocked(mut.Key); ok {
			return ApplyResult{Applied: false, Current: t.version}, nil
		}
	}

	next := &Entry{
		Key:      mut.Key,
		Version:  mut.Version,
		Origin:   mut.Origin,
		Metadata: append([]byte(nil), mut.Metadata...),
		Fields:   make(map[string][]byte),
	}
	if mut.TTL > 0 {
		next.ExpiresAt = m.clock.Now().Add(mut.TTL)
	}

	var removed []string
	if cur != nil {
		for name, value := range cur.Fields {
			next.Fields[name] = value
		}
		if mut.Replace {
			for name := range cur.Fields {
				if _, kept := mut.Put[name]; !kept {
					removed = append(removed, name)
				}
			}
			next.Fields = make(map[string][]byte, len(mut.Put))
		}
		for _, name := range mut.Remove {
			if _, ok := next.Fields[name]; ok {
				delete(next.Fields, name)
				removed = append(removed, name)
			}
		}
	}
	for name, value := range mut.Put {
		next.Fields[name] = append([]byte(nil), value...)
	}
	m.entries[mut.Key] = next

	sort.Strings(removed)
	for _, name := range removed {
		m.events.publish(Event{Kind: EventRemoved, Key: mut.Key, Field: name, Version: mut.Version, Origin: mut.Origin})
	}
	kind := EventModified
	if cur == nil {
		kind = EventCreated
	}
	m.events.publish(Event{Kind: kind, Key: mut.Key, Version: mut.Version, Origin: mut.Origin})

	return ApplyResult{Applied: true, Current: mut.Version}, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	e := m.liveLocked(key)
	if e == nil {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// Remove implements Store.
func (m *Memory) Remove(_ context.Context, key, origin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	e := m.liveLocked(key)
	if e == nil {
		return nil
	}
	delete(m.entries, key)
	m.tombs[key] = tombstone{version: e.Version, expires: m.clock.Now().Add(m.tombTTL)}
	m.events.publish(Event{Kind: EventRemoved, Key: key, Version: e.Version, Origin: origin})
	return nil
}

// Keys implements Store.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.purgeLocked()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(h Handler) (Subscription, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return m.events.subscribe(h)
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	return len(m.entries)
}

// Cleanup removes expired entries.
func (m *Memory) Cleanup(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired entries. The goroutine is stopped when Close is called.
func (m *Memory) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = m.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup routine and every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.events.close()
	return nil
}

func (m *Memory) liveLocked(key string) *Entry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.ExpiresAt.IsZero() && !m.clock.Now().Before(e.ExpiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) tombLocked(key string) (tombstone, bool) {
	t, ok := m.tombs[key]
	if !ok {
		return tombstone{}, false
	}
	if !m.clock.Now().Before(t.expires) {
		delete(m.tombs, key)
		return tombstone{}, false
	}
	return t, true
}

func (m *Memory) purgeLocked() {
	now := m.clock.Now()
	for k, e := range m.entries {
		if !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt) {
			delete(m.entries, k)
		}
	}
	for k, t := range m.tombs {
		if !now.Before(t.expires) {
			delete(m.tombs, k)
		}
	}
}

var _ Store = (*Memory)(nil)
