package session

import (
	"context"

	"github.com/platformbuilds/mirador-session/internal/monitoring"
	"github.com/platformbuilds/mirador-session/pkg/cache"
)

// ClusterListener applies store change events to the local session copies of
// a manager. Events written by the manager itself are ignored.
type ClusterListener struct {
	m *Manager
}

func newClusterListener(m *Manager) *ClusterListener {
	return &ClusterListener{m: m}
}

// Handle is the cache.Handler subscribed to the replication store.
func (c *ClusterListener) Handle(e cache.Event) {
	m := c.m
	action := c.apply(e)
	monitoring.RecordClusterEvent(m.cfg.NodeID, string(e.Kind), action)
}

func (c *ClusterListener) apply(e cache.Event) string {
	m := c.m
	if e.Origin == m.cfg.NodeID {
		return "ignored_own"
	}
	ctx := context.Background()

	switch e.Kind {
	case cache.EventRemoved:
		if e.Field != "" {
			if m.local(e.Key) == nil {
				return "ignored_unknown"
			}
			m.ProcessRemoteAttributeRemoval(ctx, e.Key, e.Field)
			return "attribute_removed"
		}
		if m.storeRemoving(e.Key) {
			return "ignored_own"
		}
		if m.local(e.Key) == nil {
			return "ignored_unknown"
		}
		m.ProcessRemoteInvalidation(ctx, e.Key)
		return "invalidated"

	case cache.EventCreated, cache.EventModified:
		s := m.local(e.Key)
		if s == nil {
			return "ignored_unknown"
		}
		if !s.markOutdated(e.Version, m.clock.Now()) {
			return "ignored_stale"
		}
		m.logger.Debug("Session copy outdated", "session_id", e.Key, "version", e.Version, "origin", e.Origin)
		return "outdated"
	}
	return "ignored_unknown"
}
