package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platformbuilds/mirador-session/pkg/cache"
)

// pushSnapshot is the state captured for one push, kept so it can be merged
// back if the store call fails.
type pushSnapshot struct {
	base            int64
	mutation        cache.Mutation
	metadataDirty   bool
	fullResync      bool
	attributesDirty bool
	dirty           map[string]struct{}
	removed         map[string]struct{}
	fingerprints    map[string]uint64
}

// Replicate pushes s now if it is dirty. Unlike the mutating calls it reports
// store failures, wrapped in ErrReplicationDegraded.
func (m *Manager) Replicate(ctx context.Context, s *Session) error {
	if !s.valid.Load() {
		return ErrIllegalState
	}
	return m.replicate(ctx, s)
}

func (m *Manager) replicate(ctx context.Context, s *Session) error {
	if !m.cfg.Distributable || !s.valid.Load() {
		return nil
	}
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	if !s.valid.Load() {
		return nil
	}

	snap := m.capture(s)
	if snap == nil {
		return nil
	}
	version := snap.mutation.Version

	ctx, span := m.tracer.StartReplicationSpan(ctx, s.realID, m.cfg.Granularity.String(), version)
	defer span.End()
	start := m.clock.Now()
	res, err := m.store.Apply(ctx, snap.mutation)
	elapsed := m.clock.Since(start)
	m.tracer.RecordResult(span, elapsed, err)

	if err != nil {
		m.restore(s, snap)
		m.stats.replicationFailed(m.cfg.NodeID, s.realID, elapsed)
		m.logger.Warn("Session replication failed, serving local copy",
			"session_id", s.realID, "version", version, "error", err)
		return fmt.Errorf("%w: %w", ErrReplicationDegraded, err)
	}

	if !res.Applied && !m.ownWrite(ctx, s.realID, res.Current, version) {
		s.markOutdated(res.Current, m.clock.Now())
		m.stats.conflict(m.cfg.NodeID)
		m.logger.Warn("Session push lost to a newer version",
			"session_id", s.realID, "version", version, "current", res.Current)
		return nil
	}
	if !m.commit(s, snap) {
		m.stats.conflict(m.cfg.NodeID)
		m.logger.Debug("Discarded push superseded by a newer local version",
			"session_id", s.realID, "version", version)
		return nil
	}
	m.stats.replicated(m.cfg.NodeID, s.realID, elapsed)
	m.logger.Debug("Session replicated", "session_id", s.realID, "version", version,
		"fields", len(snap.mutation.Put), "removed", len(snap.mutation.Remove), "replace", snap.mutation.Replace)
	return nil
}

// ownWrite reports whether a rejected push had in fact already landed, as
// happens when a retried write timed out after the store applied it.
func (m *Manager) ownWrite(ctx context.Context, realID string, current, version int64) bool {
	if current != version {
		return false
	}
	e, err := m.store.Get(ctx, realID)
	return err == nil && e.Version == version && e.Origin == m.cfg.NodeID
}

// capture builds the next mutation of s and clears its dirty state. It
// returns nil when nothing needs to be shipped.
func (m *Manager) capture(s *Session) *pushSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrMu.Lock()
	defer s.attrMu.Unlock()

	full := s.fullResync || s.version == 0
	if !full && !s.metadataDirty && !s.attributesDirty {
		return nil
	}

	snap := &pushSnapshot{
		base:            s.version,
		metadataDirty:   s.metadataDirty,
		fullResync:      s.fullResync,
		attributesDirty: s.attributesDirty,
		dirty:           s.dirtyAttrs,
		removed:         s.removedAttrs,
		fingerprints:    make(map[string]uint64),
	}
	put := make(map[string][]byte)
	var remove []string

	switch {
	case full || (s.attributesDirty && m.cfg.Granularity == GranularitySession):
		snap.mutation.Replace = true
		for name, v := range s.attributes {
			m.encodeInto(s, name, v, put, snap.fingerprints)
		}
	case s.attributesDirty:
		for name := range s.dirtyAttrs {
			v, ok := s.attributes[name]
			if !ok {
				continue
			}
			b, fp, ok := m.encodeAttr(s, name, v)
			if !ok {
				continue
			}
			if m.cfg.Granularity == GranularityField {
				if prev, seen := s.fingerprints[name]; seen && prev == fp {
					continue
				}
			}
			put[name] = b
			snap.fingerprints[name] = fp
		}
		remove = sortedKeys(s.removedAttrs)
	}

	if !snap.mutation.Replace && len(put) == 0 && len(remove) == 0 && !s.metadataDirty {
		// Dirty attributes turned out unchanged.
		s.attributesDirty = false
		s.dirtyAttrs = make(map[string]struct{})
		return nil
	}

	snap.mutation.Key = s.realID
	snap.mutation.Version = s.version + 1
	snap.mutation.Origin = m.cfg.NodeID
	snap.mutation.Metadata = encodeMetadata(s.metadataLocked())
	snap.mutation.Put = put
	snap.mutation.Remove = remove
	snap.mutation.TTL = entryTTL(s.maxInactive)

	s.metadataDirty = false
	s.fullResync = false
	s.attributesDirty = false
	s.dirtyAttrs = make(map[string]struct{})
	s.removedAttrs = make(map[string]struct{})
	return snap
}

func (m *Manager) encodeInto(s *Session, name string, v interface{}, put map[string][]byte, fps map[string]uint64) {
	if b, fp, ok := m.encodeAttr(s, name, v); ok {
		put[name] = b
		fps[name] = fp
	}
}

// encodeAttr encodes a value that was accepted at set time. A value mutated
// into an unencodable shape since then is skipped.
func (m *Manager) encodeAttr(s *Session, name string, v interface{}) ([]byte, uint64, bool) {
	b, err := m.codec.Encode(v)
	if err != nil {
		m.logger.Warn("Skipping attribute that no longer encodes",
			"session_id", s.realID, "attribute", name, "type", typeName(v), "error", err)
		return nil, 0, false
	}
	return b, fingerprint(b), true
}

// restore merges the dirty state of a failed push back into s. Changes made
// while the push was in flight take precedence.
func (m *Manager) restore(s *Session, snap *pushSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrMu.Lock()
	defer s.attrMu.Unlock()

	s.metadataDirty = s.metadataDirty || snap.metadataDirty
	s.fullResync = s.fullResync || snap.fullResync || snap.mutation.Replace
	s.attributesDirty = s.attributesDirty || snap.attributesDirty
	for name := range snap.dirty {
		if _, ok := s.attributes[name]; ok {
			s.dirtyAttrs[name] = struct{}{}
		}
	}
	for name := range snap.removed {
		if _, ok := s.attributes[name]; !ok {
			s.removedAttrs[name] = struct{}{}
		}
	}
}

// commit records a successful push. It refuses when the local version moved
// while the push was in flight.
func (m *Manager) commit(s *Session, snap *pushSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != snap.base {
		return false
	}
	s.version = snap.mutation.Version
	s.lastReplicated = m.clock.Now()

	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	if snap.mutation.Replace {
		s.fingerprints = snap.fingerprints
		return true
	}
	for name, fp := range snap.fingerprints {
		s.fingerprints[name] = fp
	}
	for _, name := range snap.mutation.Remove {
		delete(s.fingerprints, name)
	}
	return true
}

// load fetches realID from the store and installs it as a local copy.
// Concurrent loads of one id share a single store read.
func (m *Manager) load(ctx context.Context, realID string) (*Session, error) {
	v, err, _ := m.loads.Do(realID, func() (interface{}, error) {
		if s := m.local(realID); s != nil {
			return s, nil
		}
		ctx, span := m.tracer.StartLoadSpan(ctx, realID, false)
		defer span.End()
		start := m.clock.Now()
		e, err := m.store.Get(ctx, realID)
		elapsed := m.clock.Since(start)
		if errors.Is(err, cache.ErrNotFound) {
			m.tracer.RecordResult(span, elapsed, nil)
			m.stats.loadFailed(m.cfg.NodeID, "not_found")
			return nil, ErrSessionNotFound
		}
		m.tracer.RecordResult(span, elapsed, err)
		if err != nil {
			m.stats.loadFailed(m.cfg.NodeID, cache.ResultLabel(err))
			m.logger.Warn("Session load failed", "session_id", realID, "error", err)
			return nil, fmt.Errorf("%w: loading session: %w", ErrReplicationDegraded, err)
		}

		s, err := m.sessionFromEntry(e)
		if err != nil {
			m.stats.loadFailed(m.cfg.NodeID, "error")
			m.logger.Error("Discarding unreadable session entry", "session_id", realID, "error", err)
			return nil, ErrSessionNotFound
		}
		if !s.valid.Load() || s.idleExpired(m.clock.Now()) {
			m.stats.loadFailed(m.cfg.NodeID, "expired")
			return nil, ErrSessionNotFound
		}

		actual, loaded := m.sessions.LoadOrStore(realID, s)
		if loaded {
			return actual, nil
		}
		m.stats.loaded(m.cfg.NodeID, realID, elapsed)
		m.updateActiveGauge()
		m.fireActivated(ctx, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) sessionFromEntry(e *cache.Entry) (*Session, error) {
	md, err := decodeMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	s := newSession(m, e.Key, md.CreationTime, md.MaxInactive)
	s.version = e.Version
	s.lastAccessedTime = md.LastAccessedTime
	s.thisAccessedTime = md.ThisAccessedTime
	s.isNew = false
	s.metadataDirty = false
	s.lastReplicated = now
	s.valid.Store(md.Valid)
	s.attributes, s.fingerprints = m.decodeFields(e)
	return s, nil
}

func (m *Manager) decodeFields(e *cache.Entry) (map[string]interface{}, map[string]uint64) {
	attrs := make(map[string]interface{}, len(e.Fields))
	fps := make(map[string]uint64, len(e.Fields))
	for name, b := range e.Fields {
		v, err := m.codec.Decode(b)
		if err != nil {
			m.logger.Warn("Skipping attribute that does not decode",
				"session_id", e.Key, "attribute", name, "codec", m.codec.Name(), "error", err)
			continue
		}
		attrs[name] = v
		fps[name] = fingerprint(b)
	}
	return attrs, fps
}

// reconcile refreshes an outdated copy from the store. Unreplicated local
// changes lose to the newer stored version.
func (m *Manager) reconcile(ctx context.Context, s *Session) error {
	s.pushMu.Lock()
	if !s.IsOutdated() {
		s.pushMu.Unlock()
		return nil
	}

	ctx, span := m.tracer.StartLoadSpan(ctx, s.realID, true)
	defer span.End()
	start := m.clock.Now()
	e, err := m.store.Get(ctx, s.realID)
	elapsed := m.clock.Since(start)

	if errors.Is(err, cache.ErrNotFound) {
		s.pushMu.Unlock()
		m.tracer.RecordResult(span, elapsed, nil)
		m.stats.loadFailed(m.cfg.NodeID, "not_found")
		m.ProcessRemoteInvalidation(ctx, s.realID)
		return ErrSessionNotFound
	}
	m.tracer.RecordResult(span, elapsed, err)
	if err != nil {
		s.pushMu.Unlock()
		m.stats.loadFailed(m.cfg.NodeID, cache.ResultLabel(err))
		return fmt.Errorf("%w: reconciling session: %w", ErrReplicationDegraded, err)
	}
	md, err := decodeMetadata(e.Metadata)
	if err != nil {
		s.pushMu.Unlock()
		m.stats.loadFailed(m.cfg.NodeID, "error")
		return fmt.Errorf("reconciling session %s: %w", s.realID, err)
	}
	if !md.Valid {
		s.pushMu.Unlock()
		m.ProcessRemoteInvalidation(ctx, s.realID)
		return ErrSessionNotFound
	}

	attrs, fps := m.decodeFields(e)
	m.applyEntry(s, e.Version, md, attrs, fps)
	s.pushMu.Unlock()

	m.stats.loaded(m.cfg.NodeID, s.realID, elapsed)
	m.logger.Debug("Reconciled outdated session", "session_id", s.realID, "version", e.Version)
	m.fireActivated(ctx, s)
	return nil
}

func (m *Manager) applyEntry(s *Session, version int64, md metadata, attrs map[string]interface{}, fps map[string]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.version {
		s.outdatedVersion = 0
		s.outdatedTime = time.Time{}
		return
	}
	s.version = version
	s.creationTime = md.CreationTime
	s.lastAccessedTime = md.LastAccessedTime
	if md.ThisAccessedTime.After(s.thisAccessedTime) {
		s.thisAccessedTime = md.ThisAccessedTime
	}
	s.maxInactive = md.MaxInactive
	s.metadataDirty = false
	s.fullResync = false
	s.outdatedVersion = 0
	s.outdatedTime = time.Time{}
	s.lastReplicated = m.clock.Now()

	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	s.attributes = attrs
	s.fingerprints = fps
	s.attributesDirty = false
	s.dirtyAttrs = make(map[string]struct{})
	s.removedAttrs = make(map[string]struct{})
}
