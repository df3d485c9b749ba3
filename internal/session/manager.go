// Package session implements clustered HTTP sessions: node-local session
// copies kept consistent through a shared, versioned replication store.
//
// A Manager owns the local copies of one node. Mutations mark a copy dirty;
// a Scheduler decides when the dirty state is pushed as a versioned
// cache.Mutation. Change events from other nodes mark local copies outdated
// and the next lookup reconciles them from the store.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/platformbuilds/mirador-session/internal/clock"
	"github.com/platformbuilds/mirador-session/internal/monitoring"
	"github.com/platformbuilds/mirador-session/internal/tracing"
	"github.com/platformbuilds/mirador-session/pkg/cache"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

const (
	defaultMaxInactive      = 30 * time.Minute
	defaultSnapshotInterval = time.Second
	defaultSweepInterval    = 10 * time.Second
	defaultUnreplicated     = 80
	maxIDAttempts           = 8
)

// Config is the static configuration of a Manager.
type Config struct {
	NodeID   string
	JvmRoute string
	// MaxInactiveInterval applies to new sessions. Negative means never.
	MaxInactiveInterval time.Duration
	// MaxActive caps local sessions; -1 is unlimited.
	MaxActive        int
	Distributable    bool
	Granularity      Granularity
	SnapshotMode     SnapshotMode
	SnapshotInterval time.Duration
	SweepInterval    time.Duration
	Policy           Policy
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		NodeID:              "node-1",
		MaxInactiveInterval: defaultMaxInactive,
		MaxActive:           -1,
		Distributable:       true,
		Granularity:         GranularitySession,
		SnapshotMode:        SnapshotInstant,
		SnapshotInterval:    defaultSnapshotInterval,
		SweepInterval:       defaultSweepInterval,
		Policy: Policy{
			Trigger:               TriggerSetAndNonPrimitiveGet,
			MaxUnreplicatedFactor: defaultUnreplicated,
			ExpiryEnabled:         true,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node id is required")
	}
	if err := ValidateID(c.NodeID); err != nil {
		return fmt.Errorf("node id: %w", err)
	}
	if c.MaxActive < -1 {
		return fmt.Errorf("max active must be -1 or >= 0, got %d", c.MaxActive)
	}
	if c.Granularity < GranularitySession || c.Granularity > GranularityField {
		return fmt.Errorf("invalid granularity %d", int(c.Granularity))
	}
	if c.SnapshotMode == SnapshotInterval && c.SnapshotInterval <= 0 {
		return errors.New("snapshot interval must be positive in interval mode")
	}
	if c.Policy.ExpiryEnabled && c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive when expiry is enabled")
	}
	return c.Policy.Validate()
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithCodec sets the attribute codec. Gob is the default.
func WithCodec(c AttributeCodec) Option {
	return func(m *Manager) {
		if c != nil {
			m.codec = c
		}
	}
}

// WithIDTransport sets the transport used when a session is created outside
// a Request.
func WithIDTransport(t IDTransport) Option {
	return func(m *Manager) { m.transport = t }
}

// WithScheduler overrides the scheduler chosen from Config.SnapshotMode.
func WithScheduler(factory func(push func(context.Context, *Session) error) Scheduler) Option {
	return func(m *Manager) { m.schedulerFactory = factory }
}

const (
	stateNew int32 = iota
	stateStarted
	stateStopped
)

// Manager owns the local session copies of one node.
type Manager struct {
	cfg       Config
	policy    atomic.Pointer[Policy]
	store     cache.Store
	codec     AttributeCodec
	clock     clock.Clock
	logger    logger.Logger
	tracer    *tracing.SessionTracer
	transport IDTransport

	sessions sync.Map // real id -> *Session
	removing sync.Map // real id -> struct{}, set while a store removal is in flight
	loads    singleflight.Group

	schedulerFactory func(push func(context.Context, *Session) error) Scheduler
	scheduler        Scheduler
	cluster          *ClusterListener
	stats            *stats

	lmu       sync.RWMutex
	listeners listeners

	state     atomic.Int32
	lifecycle sync.Mutex
	sub       cache.Subscription
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewManager builds a manager on store. The manager does not own the store.
func NewManager(store cache.Store, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("replication store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session manager config: %w", err)
	}
	m := &Manager{
		cfg:    cfg,
		store:  store,
		codec:  GobCodec{},
		clock:  clock.Real{},
		logger: logger.NewNop(),
		tracer: tracing.GetGlobalTracer(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("node_id", cfg.NodeID)
	policy := cfg.Policy
	m.policy.Store(&policy)
	m.stats = newStats(m.clock.Now())
	m.cluster = newClusterListener(m)

	switch {
	case m.schedulerFactory != nil:
		m.scheduler = m.schedulerFactory(m.replicate)
	case cfg.SnapshotMode == SnapshotInterval:
		m.scheduler = newIntervalScheduler(m.replicate, m.clock, cfg.SnapshotInterval, m.logger)
	default:
		m.scheduler = newInstantScheduler(m.replicate)
	}
	return m, nil
}

// Config returns the static configuration.
func (m *Manager) Config() Config { return m.cfg }

// Policy returns the live policy.
func (m *Manager) Policy() Policy { return *m.policy.Load() }

// ApplyPolicy swaps the live policy. Sessions pick it up on their next
// access; the sweeper on its next tick.
func (m *Manager) ApplyPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.policy.Store(&p)
	m.logger.Info("Session policy updated",
		"trigger", p.Trigger.String(),
		"max_unreplicated_factor", p.MaxUnreplicatedFactor,
		"expiry_enabled", p.ExpiryEnabled)
	return nil
}

// Start subscribes to store events and starts the scheduler and expiry
// sweeper.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.state.Load() != stateNew {
		return fmt.Errorf("session manager already started")
	}
	if m.cfg.Distributable {
		sub, err := m.store.Subscribe(m.cluster.Handle)
		if err != nil {
			return fmt.Errorf("subscribing to session events: %w", err)
		}
		m.sub = sub
	}
	m.scheduler.Start(ctx)
	if m.cfg.SweepInterval > 0 {
		m.stopSweep = make(chan struct{})
		m.sweepDone = make(chan struct{})
		go m.sweep(m.stopSweep, m.sweepDone)
	}
	m.state.Store(stateStarted)
	m.logger.Info("Session manager started",
		"granularity", m.cfg.Granularity.String(),
		"snapshot_mode", m.cfg.SnapshotMode.String(),
		"distributable", m.cfg.Distributable)
	return nil
}

// Stop halts background work and discards every local copy. Pending
// interval pushes are dropped; the store is left to the caller.
func (m *Manager) Stop(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.state.Swap(stateStopped) == stateStopped {
		return nil
	}
	if m.stopSweep != nil {
		close(m.stopSweep)
		<-m.sweepDone
		m.stopSweep = nil
	}
	m.scheduler.Stop()

	var err error
	if m.sub != nil {
		err = multierr.Append(err, m.sub.Close())
		m.sub = nil
	}
	m.sessions.Range(func(key, value interface{}) bool {
		s := value.(*Session)
		m.firePassivating(ctx, s)
		m.sessions.Delete(key)
		return true
	})
	monitoring.SetActiveSessions(m.cfg.NodeID, 0)
	m.logger.Info("Session manager stopped")
	return err
}

func (m *Manager) sweep(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-m.clock.After(m.cfg.SweepInterval):
			if !m.Policy().ExpiryEnabled {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SweepInterval)
			if n := m.ExpireIdleSessions(ctx); n > 0 {
				m.logger.Debug("Expired idle sessions", "count", n)
			}
			cancel()
		}
	}
}

// ResyncAll schedules a full push of every local session. It is used after
// the store was swapped and may have lost entries.
func (m *Manager) ResyncAll(ctx context.Context) {
	n := 0
	m.sessions.Range(func(_, value interface{}) bool {
		s := value.(*Session)
		if !s.valid.Load() {
			return true
		}
		s.markFullResync()
		if err := m.scheduler.Touched(ctx, s); err != nil {
			m.logger.Warn("Full resync push failed", "session_id", s.realID, "error", err)
		}
		n++
		return true
	})
	m.logger.Info("Scheduled full session resync", "sessions", n)
}

func (m *Manager) local(realID string) *Session {
	if v, ok := m.sessions.Load(realID); ok {
		return v.(*Session)
	}
	return nil
}

// ActiveCount returns the number of local session copies.
func (m *Manager) ActiveCount() int {
	n := 0
	m.sessions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (m *Manager) updateActiveGauge() {
	n := m.ActiveCount()
	m.stats.observeActive(n)
	monitoring.SetActiveSessions(m.cfg.NodeID, n)
}

// entryTTL bounds store entries to twice the idle timeout so an entry
// outlives the access-only refresh window.
func entryTTL(maxInactive time.Duration) time.Duration {
	if maxInactive <= 0 {
		return 0
	}
	return 2 * maxInactive
}
