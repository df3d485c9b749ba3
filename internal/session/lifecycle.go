package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platformbuilds/mirador-session/internal/monitoring"
)

// InvalidateOptions controls how a session is torn down.
type InvalidateOptions struct {
	// Notify fires SessionDestroyed and AttributeRemoved listeners.
	Notify bool
	// LocalCall marks an invalidation that originated on this node.
	LocalCall bool
	// LocalOnly leaves the store entry in place.
	LocalOnly bool
}

// CreateSession creates a new session, registers it locally and hands its
// presented id to the IDTransport of the request in ctx, or to the manager
// transport. The session is not pushed until it is first touched.
func (m *Manager) CreateSession(ctx context.Context) (*Session, error) {
	if m.state.Load() == stateStopped {
		return nil, ErrManagerStopped
	}
	if max := m.cfg.MaxActive; max >= 0 && m.ActiveCount() >= max {
		m.stats.rejected.Add(1)
		monitoring.RecordLifecycle(m.cfg.NodeID, "rejected")
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyActiveSessions, max)
	}

	var s *Session
	for attempt := 0; attempt < maxIDAttempts && s == nil; attempt++ {
		realID := newRealID()
		if m.existsInStore(ctx, realID) {
			continue
		}
		candidate := newSession(m, realID, m.clock.Now(), m.cfg.MaxInactiveInterval)
		candidate.attributesDirty = true
		if _, loaded := m.sessions.LoadOrStore(realID, candidate); !loaded {
			s = candidate
		}
	}
	if s == nil {
		return nil, errors.New("could not generate a unique session id")
	}

	m.stats.created.Add(1)
	m.updateActiveGauge()
	monitoring.RecordLifecycle(m.cfg.NodeID, "created")
	m.fireCreated(ctx, s)

	transport := m.transport
	if r := RequestFromContext(ctx); r != nil {
		r.track(s)
		if r.transport != nil {
			transport = r.transport
		}
	}
	if transport != nil {
		if err := transport.SetSessionID(ctx, s.ID()); err != nil {
			m.logger.Warn("Failed to hand session id to transport", "session_id", s.realID, "error", err)
		}
	}
	m.logger.Debug("Session created", "session_id", s.realID)
	return s, nil
}

func (m *Manager) existsInStore(ctx context.Context, realID string) bool {
	if !m.cfg.Distributable {
		return false
	}
	_, err := m.store.Get(ctx, realID)
	return err == nil
}

// FindSession returns the session for a presented id, loading it from the
// store when this node holds no copy and reconciling an outdated copy.
func (m *Manager) FindSession(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	realID := RealID(id)
	if s := m.local(realID); s != nil {
		if !s.valid.Load() {
			return nil, ErrSessionNotFound
		}
		if s.IsOutdated() {
			if err := m.reconcile(ctx, s); err != nil {
				if errors.Is(err, ErrSessionNotFound) {
					return nil, err
				}
				m.logger.Warn("Serving outdated session copy", "session_id", realID, "error", err)
			}
		}
		return s, nil
	}
	if !m.cfg.Distributable {
		return nil, ErrSessionNotFound
	}
	return m.load(ctx, realID)
}

// Access records the start of a request using s.
func (m *Manager) Access(ctx context.Context, s *Session) error {
	if !s.valid.Load() {
		return ErrIllegalState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thisAccessedTime = m.clock.Now()
	if m.Policy().Trigger == TriggerAccess {
		s.metadataDirty = true
	}
	return nil
}

// EndAccess records the end of a request using s and hands a dirty session to
// the scheduler. Store failures are absorbed.
func (m *Manager) EndAccess(ctx context.Context, s *Session) error {
	if !s.valid.Load() {
		return nil
	}
	now := m.clock.Now()
	policy := m.Policy()

	s.mu.Lock()
	s.lastAccessedTime = s.thisAccessedTime
	s.isNew = false
	if window, ok := policy.maxUnreplicated(s.maxInactive); ok && s.version > 0 && now.Sub(s.lastReplicated) >= window {
		s.metadataDirty = true
	}
	s.mu.Unlock()

	if !s.isDirty() {
		return nil
	}
	if err := m.scheduler.Touched(ctx, s); err != nil && !errors.Is(err, ErrReplicationDegraded) {
		return err
	}
	return nil
}

// SetMaxInactiveInterval changes the idle timeout of s. Negative means never.
func (m *Manager) SetMaxInactiveInterval(ctx context.Context, s *Session, d time.Duration) error {
	if !s.valid.Load() {
		return ErrIllegalState
	}
	s.mu.Lock()
	s.maxInactive = d
	s.metadataDirty = true
	s.mu.Unlock()
	return nil
}

// GetAttribute returns the value bound to name, or nil. Depending on the
// trigger the retrieved attribute is marked dirty. The mark is not pushed
// here: the caller may still mutate the value in place, so it ships with the
// next EndAccess or Replicate.
func (m *Manager) GetAttribute(ctx context.Context, s *Session, name string) (interface{}, error) {
	if !s.valid.Load() {
		return nil, ErrIllegalState
	}
	s.attrMu.RLock()
	v, ok := s.attributes[name]
	s.attrMu.RUnlock()
	if !ok {
		return nil, nil
	}
	if m.Policy().Trigger.dirtiesOnGet(v) {
		s.attrMu.Lock()
		if _, still := s.attributes[name]; still {
			s.dirtyAttrs[name] = struct{}{}
			s.attributesDirty = true
		}
		s.attrMu.Unlock()
	}
	return v, nil
}

// SetAttribute binds value to name. A nil value removes the attribute. On a
// distributable manager the value must be encodable by the codec.
func (m *Manager) SetAttribute(ctx context.Context, s *Session, name string, value interface{}) error {
	if name == "" {
		return errors.New("attribute name is required")
	}
	if value == nil {
		return m.RemoveAttribute(ctx, s, name)
	}
	if !s.valid.Load() {
		return ErrIllegalState
	}
	if m.cfg.Distributable {
		if _, err := m.codec.Encode(value); err != nil {
			return &AttributeTypeError{Name: name, Type: typeName(value), Err: err}
		}
	}

	s.attrMu.Lock()
	old, existed := s.attributes[name]
	s.attributes[name] = value
	s.dirtyAttrs[name] = struct{}{}
	delete(s.removedAttrs, name)
	s.attributesDirty = true
	s.attrMu.Unlock()

	m.fireAttributeSet(ctx, s, name, value, old, existed)
	m.pushAfterMutation(ctx, s)
	return nil
}

// RemoveAttribute unbinds name. Removing a missing attribute is a no-op.
func (m *Manager) RemoveAttribute(ctx context.Context, s *Session, name string) error {
	if !s.valid.Load() {
		return ErrIllegalState
	}
	s.attrMu.Lock()
	old, ok := s.attributes[name]
	if !ok {
		s.attrMu.Unlock()
		return nil
	}
	delete(s.attributes, name)
	delete(s.dirtyAttrs, name)
	s.removedAttrs[name] = struct{}{}
	s.attributesDirty = true
	s.attrMu.Unlock()

	m.fireAttributeRemoved(ctx, s, name, old, true)
	m.pushAfterMutation(ctx, s)
	return nil
}

// pushAfterMutation hands s to the scheduler when no request is in scope.
// Inside a request the push waits for EndAccess.
func (m *Manager) pushAfterMutation(ctx context.Context, s *Session) {
	if RequestFromContext(ctx) != nil {
		return
	}
	// Failures are logged and counted by replicate; the caller keeps going.
	_ = m.scheduler.Touched(ctx, s)
}

// Invalidate tears s down. Concurrent or repeated calls are no-ops.
func (m *Manager) Invalidate(ctx context.Context, s *Session, opts InvalidateOptions) error {
	if !s.valid.Load() {
		return nil
	}
	// expiring stays set: an invalidated session is never revived.
	if !s.expiring.CompareAndSwap(false, true) {
		return nil
	}

	if opts.Notify {
		m.fireDestroyed(ctx, s)
	}

	s.attrMu.Lock()
	names := sortedKeys(s.attributes)
	values := make([]interface{}, len(names))
	for i, name := range names {
		values[i] = s.attributes[name]
	}
	s.attributes = make(map[string]interface{})
	s.dirtyAttrs = make(map[string]struct{})
	s.removedAttrs = make(map[string]struct{})
	s.attributesDirty = false
	s.attrMu.Unlock()
	for i, name := range names {
		m.fireAttributeRemoved(ctx, s, name, values[i], opts.Notify)
	}

	s.valid.Store(false)
	m.sessions.Delete(s.realID)
	m.scheduler.Forget(s.realID)
	m.stats.forget(s.realID)
	m.updateActiveGauge()

	event := "invalidated"
	switch {
	case !opts.LocalCall:
		event = "remote_invalidated"
		m.stats.remoteInvalidations.Add(1)
	default:
		m.stats.invalidated.Add(1)
	}
	monitoring.RecordLifecycle(m.cfg.NodeID, event)

	if opts.LocalOnly || !m.cfg.Distributable {
		return nil
	}
	m.removing.Store(s.realID, struct{}{})
	defer m.removing.Delete(s.realID)
	if err := m.store.Remove(ctx, s.realID, m.cfg.NodeID); err != nil {
		m.logger.Warn("Failed to remove session from store", "session_id", s.realID, "error", err)
	}
	return nil
}

// ExpireIdleSessions invalidates every local session idle for at least its
// max inactive interval and returns how many expired. The store entries are
// left to their TTL.
func (m *Manager) ExpireIdleSessions(ctx context.Context) int {
	now := m.clock.Now()
	var expired []*Session
	m.sessions.Range(func(_, value interface{}) bool {
		s := value.(*Session)
		if s.valid.Load() && !s.expiring.Load() && s.idleExpired(now) {
			expired = append(expired, s)
		}
		return true
	})
	n := 0
	for _, s := range expired {
		if !s.valid.Load() {
			continue
		}
		_ = m.Invalidate(ctx, s, InvalidateOptions{Notify: true, LocalCall: true, LocalOnly: true})
		m.stats.expired.Add(1)
		monitoring.RecordLifecycle(m.cfg.NodeID, "expired")
		n++
	}
	return n
}

// ExpireSession invalidates the session with the given id cluster-wide.
func (m *Manager) ExpireSession(ctx context.Context, id string) error {
	s, err := m.FindSession(ctx, id)
	if err != nil {
		return err
	}
	return m.Invalidate(ctx, s, InvalidateOptions{Notify: true, LocalCall: true})
}

// ProcessRemoteInvalidation drops the local copy of a session removed by
// another node. Listeners are not notified.
func (m *Manager) ProcessRemoteInvalidation(ctx context.Context, realID string) {
	s := m.local(realID)
	if s == nil {
		return
	}
	_ = m.Invalidate(ctx, s, InvalidateOptions{LocalOnly: true})
	m.logger.Debug("Dropped session invalidated by another node", "session_id", realID)
}

// ProcessRemoteAttributeRemoval drops one attribute removed by another node.
// Listeners are not notified and nothing is marked dirty.
func (m *Manager) ProcessRemoteAttributeRemoval(ctx context.Context, realID, name string) {
	s := m.local(realID)
	if s == nil {
		return
	}
	s.attrMu.Lock()
	delete(s.attributes, name)
	delete(s.dirtyAttrs, name)
	delete(s.removedAttrs, name)
	delete(s.fingerprints, name)
	s.attrMu.Unlock()
}

// storeRemoving reports whether this node is removing realID right now.
func (m *Manager) storeRemoving(realID string) bool {
	_, ok := m.removing.Load(realID)
	return ok
}
