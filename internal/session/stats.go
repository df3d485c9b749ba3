package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/platformbuilds/mirador-session/internal/monitoring"
)

// ReplicationStats holds push and load timings of one session.
type ReplicationStats struct {
	Replications       int64         `json:"replications"`
	FailedReplications int64         `json:"failed_replications"`
	ReplicationTotal   time.Duration `json:"replication_total"`
	ReplicationMin     time.Duration `json:"replication_min"`
	ReplicationMax     time.Duration `json:"replication_max"`
	Loads              int64         `json:"loads"`
	LoadTotal          time.Duration `json:"load_total"`
	LoadMin            time.Duration `json:"load_min"`
	LoadMax            time.Duration `json:"load_max"`
}

// AverageReplication returns the mean push duration.
func (r ReplicationStats) AverageReplication() time.Duration {
	if r.Replications == 0 {
		return 0
	}
	return r.ReplicationTotal / time.Duration(r.Replications)
}

// AverageLoad returns the mean load duration.
func (r ReplicationStats) AverageLoad() time.Duration {
	if r.Loads == 0 {
		return 0
	}
	return r.LoadTotal / time.Duration(r.Loads)
}

func (r *ReplicationStats) addReplication(d time.Duration) {
	if r.Replications == 0 || d < r.ReplicationMin {
		r.ReplicationMin = d
	}
	if d > r.ReplicationMax {
		r.ReplicationMax = d
	}
	r.Replications++
	r.ReplicationTotal += d
}

func (r *ReplicationStats) addLoad(d time.Duration) {
	if r.Loads == 0 || d < r.LoadMin {
		r.LoadMin = d
	}
	if d > r.LoadMax {
		r.LoadMax = d
	}
	r.Loads++
	r.LoadTotal += d
}

// Statistics is a point-in-time view of manager counters.
type Statistics struct {
	NodeID              string                      `json:"node_id"`
	Since               time.Time                   `json:"since"`
	Active              int                         `json:"active"`
	MaxActiveObserved   int64                       `json:"max_active_observed"`
	Created             int64                       `json:"created"`
	Expired             int64                       `json:"expired"`
	Invalidated         int64                       `json:"invalidated"`
	Rejected            int64                       `json:"rejected"`
	RemoteInvalidations int64                       `json:"remote_invalidations"`
	Replications        int64                       `json:"replications"`
	ReplicationFailures int64                       `json:"replication_failures"`
	VersionConflicts    int64                       `json:"version_conflicts"`
	Loads               int64                       `json:"loads"`
	LoadFailures        int64                       `json:"load_failures"`
	ListenerFailures    int64                       `json:"listener_failures"`
	Degraded            bool                        `json:"degraded"`
	Sessions            map[string]ReplicationStats `json:"sessions,omitempty"`
}

type stats struct {
	since atomic.Pointer[time.Time]

	maxActive           atomic.Int64
	created             atomic.Int64
	expired             atomic.Int64
	invalidated         atomic.Int64
	rejected            atomic.Int64
	remoteInvalidations atomic.Int64
	replications        atomic.Int64
	replicationFailures atomic.Int64
	conflicts           atomic.Int64
	loads               atomic.Int64
	loadFailures        atomic.Int64
	listenerFailures    atomic.Int64

	mu       sync.Mutex
	sessions map[string]*ReplicationStats
}

func newStats(now time.Time) *stats {
	st := &stats{sessions: make(map[string]*ReplicationStats)}
	st.since.Store(&now)
	return st
}

func (st *stats) session(realID string) *ReplicationStats {
	r, ok := st.sessions[realID]
	if !ok {
		r = &ReplicationStats{}
		st.sessions[realID] = r
	}
	return r
}

func (st *stats) replicated(node, realID string, d time.Duration) {
	st.replications.Add(1)
	st.mu.Lock()
	st.session(realID).addReplication(d)
	st.mu.Unlock()
	monitoring.RecordReplication(node, "success", d)
}

func (st *stats) replicationFailed(node, realID string, d time.Duration) {
	st.replicationFailures.Add(1)
	st.mu.Lock()
	st.session(realID).FailedReplications++
	st.mu.Unlock()
	monitoring.RecordReplication(node, "failure", d)
}

func (st *stats) conflict(node string) {
	st.conflicts.Add(1)
	monitoring.RecordReplication(node, "conflict", 0)
}

func (st *stats) loaded(node, realID string, d time.Duration) {
	st.loads.Add(1)
	st.mu.Lock()
	st.session(realID).addLoad(d)
	st.mu.Unlock()
	monitoring.RecordLoad(node, "success")
}

func (st *stats) loadFailed(node, result string) {
	st.loadFailures.Add(1)
	monitoring.RecordLoad(node, result)
}

func (st *stats) listenerFailure(node, listener string) {
	st.listenerFailures.Add(1)
	monitoring.RecordListenerFailure(node, listener)
}

func (st *stats) observeActive(n int) {
	for {
		cur := st.maxActive.Load()
		if int64(n) <= cur || st.maxActive.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

func (st *stats) forget(realID string) {
	st.mu.Lock()
	delete(st.sessions, realID)
	st.mu.Unlock()
}

func (st *stats) snapshot() Statistics {
	out := Statistics{
		Since:               *st.since.Load(),
		MaxActiveObserved:   st.maxActive.Load(),
		Created:             st.created.Load(),
		Expired:             st.expired.Load(),
		Invalidated:         st.invalidated.Load(),
		Rejected:            st.rejected.Load(),
		RemoteInvalidations: st.remoteInvalidations.Load(),
		Replications:        st.replications.Load(),
		ReplicationFailures: st.replicationFailures.Load(),
		VersionConflicts:    st.conflicts.Load(),
		Loads:               st.loads.Load(),
		LoadFailures:        st.loadFailures.Load(),
		ListenerFailures:    st.listenerFailures.Load(),
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out.Sessions = make(map[string]ReplicationStats, len(st.sessions))
	for id, r := range st.sessions {
		out.Sessions[id] = *r
	}
	return out
}

func (st *stats) reset(now time.Time) {
	st.since.Store(&now)
	for _, c := range []*atomic.Int64{
		&st.maxActive, &st.created, &st.expired, &st.invalidated, &st.rejected,
		&st.remoteInvalidations, &st.replications, &st.replicationFailures,
		&st.conflicts, &st.loads, &st.loadFailures, &st.listenerFailures,
	} {
		c.Store(0)
	}
	st.mu.Lock()
	st.sessions = make(map[string]*ReplicationStats)
	st.mu.Unlock()
}
