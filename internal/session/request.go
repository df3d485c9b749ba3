package session

import (
	"context"
	"sync"
)

type requestKey struct{}

// Request is the scope of one client request. It remembers the sessions the
// request touched so End can finish their access, and carries the transport
// used to hand session ids back to the client.
type Request struct {
	m         *Manager
	ctx       context.Context
	transport IDTransport

	mu       sync.Mutex
	sessions []*Session
	ended    bool
}

// Request opens a request scope. The returned scope's Context must be passed
// to manager calls made on behalf of the request.
func (m *Manager) Request(ctx context.Context, transport IDTransport) *Request {
	r := &Request{m: m, transport: transport}
	r.ctx = context.WithValue(ctx, requestKey{}, r)
	return r
}

// RequestFromContext returns the request scope carried by ctx, or nil.
func RequestFromContext(ctx context.Context) *Request {
	if ctx == nil {
		return nil
	}
	r, _ := ctx.Value(requestKey{}).(*Request)
	return r
}

// Context returns the context bound to this request.
func (r *Request) Context() context.Context { return r.ctx }

// FindSession resolves id and records the access. When the id was issued with
// another node's route, the rewritten id is handed to the transport.
func (r *Request) FindSession(id string) (*Session, error) {
	s, err := r.m.FindSession(r.ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.m.Access(r.ctx, s); err != nil {
		return nil, err
	}
	r.track(s)

	if _, route := SplitID(id); route != r.m.cfg.JvmRoute && r.transport != nil {
		if err := r.transport.SetSessionID(r.ctx, s.ID()); err != nil {
			r.m.logger.Warn("Failed to rewrite session id after failover", "session_id", s.realID, "error", err)
		}
	}
	return s, nil
}

// CreateSession creates a session bound to this request.
func (r *Request) CreateSession() (*Session, error) {
	s, err := r.m.CreateSession(r.ctx)
	if err != nil {
		return nil, err
	}
	if err := r.m.Access(r.ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Sessions returns the sessions touched by the request.
func (r *Request) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.sessions...)
}

func (r *Request) track(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.sessions {
		if have == s {
			return
		}
	}
	r.sessions = append(r.sessions, s)
}

// End finishes the access of every touched session. Further calls are
// no-ops.
func (r *Request) End() error {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return nil
	}
	r.ended = true
	sessions := r.sessions
	r.sessions = nil
	r.mu.Unlock()

	// The client may already be gone; the push must still happen.
	ctx := context.WithoutCancel(r.ctx)
	var firstErr error
	for _, s := range sessions {
		if err := r.m.EndAccess(ctx, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
