package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/platformbuilds/mirador-session/pkg/cache"
)

// AttributeByID returns one attribute of a session, loading the session if
// needed. Reading through this call never marks the attribute dirty.
func (m *Manager) AttributeByID(ctx context.Context, id, name string) (interface{}, bool, error) {
	s, err := m.FindSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	v, ok := s.Attribute(name)
	return v, ok, nil
}

// SessionInfo is a read-only view of one session for management tools.
type SessionInfo struct {
	ID                  string    `json:"id"`
	RealID              string    `json:"real_id"`
	Version             int64     `json:"version"`
	CreationTime        time.Time `json:"creation_time"`
	LastAccessedTime    time.Time `json:"last_accessed_time"`
	MaxInactiveInterval string    `json:"max_inactive_interval"`
	New                 bool      `json:"new"`
	Outdated            bool      `json:"outdated"`
	Dirty               bool      `json:"dirty"`
	LastReplicated      time.Time `json:"last_replicated"`
	Attributes          []string  `json:"attributes"`
}

// Describe returns the management view of a session, loading it if needed.
func (m *Manager) Describe(ctx context.Context, id string) (SessionInfo, error) {
	s, err := m.FindSession(ctx, id)
	if err != nil {
		return SessionInfo{}, err
	}
	maxInactive := "never"
	if d := s.MaxInactiveInterval(); d >= 0 {
		maxInactive = d.String()
	}
	return SessionInfo{
		ID:                  s.ID(),
		RealID:              s.RealID(),
		Version:             s.Version(),
		CreationTime:        s.CreationTime(),
		LastAccessedTime:    s.LastAccessedTime(),
		MaxInactiveInterval: maxInactive,
		New:                 s.IsNew(),
		Outdated:            s.IsOutdated(),
		Dirty:               s.isDirty(),
		LastReplicated:      s.LastReplicated(),
		Attributes:          s.AttributeNames(),
	}, nil
}

// LastAccessedTime returns the last accessed time of a session.
func (m *Manager) LastAccessedTime(ctx context.Context, id string) (time.Time, error) {
	s, err := m.FindSession(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return s.LastAccessedTime(), nil
}

// LocalSessionIDs lists the real ids held on this node.
func (m *Manager) LocalSessionIDs() []string {
	var ids []string
	m.sessions.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// KnownSessionIDs lists every session id in the cluster: the local copies
// plus every live store key.
func (m *Manager) KnownSessionIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, id := range m.LocalSessionIDs() {
		seen[id] = struct{}{}
	}
	if m.cfg.Distributable {
		keys, err := m.store.Keys(ctx)
		if err != nil {
			return sortedKeys(seen), fmt.Errorf("listing stored sessions: %w", err)
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

// Statistics returns the counters collected since start or the last reset.
func (m *Manager) Statistics() Statistics {
	out := m.stats.snapshot()
	out.NodeID = m.cfg.NodeID
	out.Active = m.ActiveCount()
	out.Degraded = cache.IsDegraded(m.store)
	return out
}

// ResetStatistics clears every counter.
func (m *Manager) ResetStatistics() {
	m.stats.reset(m.clock.Now())
}
