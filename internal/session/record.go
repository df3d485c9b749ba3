package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Session is a node-local copy of a replicated HTTP session.
//
// Metadata is guarded by mu and attributes by attrMu so attribute reads never
// wait on metadata updates. When both are needed mu is taken first. pushMu
// serialises pushes of one session.
type Session struct {
	manager *Manager
	realID  string

	valid    atomic.Bool
	expiring atomic.Bool

	mu               sync.Mutex
	version          int64
	creationTime     time.Time
	lastAccessedTime time.Time
	thisAccessedTime time.Time
	maxInactive      time.Duration
	isNew            bool
	metadataDirty    bool
	fullResync       bool
	outdatedVersion  int64
	outdatedTime     time.Time
	lastReplicated   time.Time

	attrMu          sync.RWMutex
	attributes      map[string]interface{}
	attributesDirty bool
	dirtyAttrs      map[string]struct{}
	removedAttrs    map[string]struct{}
	fingerprints    map[string]uint64

	pushMu sync.Mutex
}

func newSession(m *Manager, realID string, now time.Time, maxInactive time.Duration) *Session {
	s := &Session{
		manager:          m,
		realID:           realID,
		creationTime:     now,
		lastAccessedTime: now,
		thisAccessedTime: now,
		maxInactive:      maxInactive,
		isNew:            true,
		metadataDirty:    true,
		attributes:       make(map[string]interface{}),
		dirtyAttrs:       make(map[string]struct{}),
		removedAttrs:     make(map[string]struct{}),
		fingerprints:     make(map[string]uint64),
	}
	s.valid.Store(true)
	return s
}

// ID returns the presented id: the real id plus this node's route.
func (s *Session) ID() string {
	return JoinID(s.realID, s.manager.cfg.JvmRoute)
}

// RealID returns the cluster-wide id without routing suffix.
func (s *Session) RealID() string { return s.realID }

func (s *Session) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Session) CreationTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creationTime
}

// LastAccessedTime is the start of the previous completed request.
func (s *Session) LastAccessedTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessedTime
}

// ThisAccessedTime is the start of the current or most recent request.
func (s *Session) ThisAccessedTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thisAccessedTime
}

// MaxInactiveInterval is negative when the session never expires.
func (s *Session) MaxInactiveInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInactive
}

func (s *Session) IsValid() bool { return s.valid.Load() }

func (s *Session) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isNew
}

// IsOutdated reports whether the cluster holds a newer version than this
// copy.
func (s *Session) IsOutdated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outdatedVersion > s.version
}

// LastReplicated is the time of the last successful push, zero if never.
func (s *Session) LastReplicated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReplicated
}

// MetadataDirty reports unreplicated metadata changes.
func (s *Session) MetadataDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadataDirty || s.fullResync
}

// AttributesDirty reports unreplicated attribute changes.
func (s *Session) AttributesDirty() bool {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	return s.attributesDirty
}

// AttributeNames returns the attribute names in sorted order.
func (s *Session) AttributeNames() []string {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	names := make([]string, 0, len(s.attributes))
	for name := range s.attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Attribute reads name without the dirtying rules of Manager.GetAttribute.
func (s *Session) Attribute(name string) (interface{}, bool) {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	v, ok := s.attributes[name]
	return v, ok
}

func (s *Session) attributeValues() []interface{} {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	out := make([]interface{}, 0, len(s.attributes))
	for _, name := range sortedKeys(s.attributes) {
		out = append(out, s.attributes[name])
	}
	return out
}

func (s *Session) isDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	return s.metadataDirty || s.fullResync || s.attributesDirty
}

// markOutdated records that the cluster holds version at t. Older or equal
// versions are ignored.
func (s *Session) markOutdated(version int64, t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.version || version <= s.outdatedVersion {
		return false
	}
	s.outdatedVersion = version
	s.outdatedTime = t
	return true
}

func (s *Session) markFullResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fullResync = true
	s.metadataDirty = true
}

func (s *Session) metadataLocked() metadata {
	return metadata{
		SchemaVersion:    metadataSchemaVersion,
		RealID:           s.realID,
		CreationTime:     s.creationTime,
		LastAccessedTime: s.lastAccessedTime,
		ThisAccessedTime: s.thisAccessedTime,
		MaxInactive:      s.maxInactive,
		Valid:            s.valid.Load(),
		New:              s.isNew,
	}
}

// idleExpired reports whether the session exceeded its idle timeout at now.
func (s *Session) idleExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxInactive < 0 {
		return false
	}
	return now.Sub(s.thisAccessedTime) >= s.maxInactive
}

func fingerprint(b []byte) uint64 {
	return xxhash.Sum64(b)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
