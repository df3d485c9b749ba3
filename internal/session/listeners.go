package session

import "context"

// SessionListener observes session creation and destruction.
type SessionListener interface {
	SessionCreated(ctx context.Context, s *Session) error
	SessionDestroyed(ctx context.Context, s *Session) error
}

// AttributeListener observes attribute changes made on this node.
type AttributeListener interface {
	AttributeAdded(ctx context.Context, s *Session, name string, value interface{}) error
	AttributeRemoved(ctx context.Context, s *Session, name string, value interface{}) error
	AttributeReplaced(ctx context.Context, s *Session, name string, oldValue interface{}) error
}

// ActivationListener is notified when a session copy becomes usable on this
// node after a load from the store, and before it is dropped on shutdown.
// Attribute values implementing it are notified too.
type ActivationListener interface {
	SessionDidActivate(ctx context.Context, s *Session) error
	SessionWillPassivate(ctx context.Context, s *Session) error
}

// BindingListener is implemented by attribute values that want to know when
// they are bound to or unbound from a session.
type BindingListener interface {
	ValueBound(ctx context.Context, s *Session, name string) error
	ValueUnbound(ctx context.Context, s *Session, name string) error
}

// IDTransport carries the presented session id back to the client, usually
// as a cookie.
type IDTransport interface {
	SetSessionID(ctx context.Context, id string) error
}

// IDTransportFunc adapts a function to IDTransport.
type IDTransportFunc func(ctx context.Context, id string) error

func (f IDTransportFunc) SetSessionID(ctx context.Context, id string) error { return f(ctx, id) }

// SessionListenerFuncs adapts optional callbacks to SessionListener.
type SessionListenerFuncs struct {
	Created   func(ctx context.Context, s *Session) error
	Destroyed func(ctx context.Context, s *Session) error
}

func (f SessionListenerFuncs) SessionCreated(ctx context.Context, s *Session) error {
	if f.Created == nil {
		return nil
	}
	return f.Created(ctx, s)
}

func (f SessionListenerFuncs) SessionDestroyed(ctx context.Context, s *Session) error {
	if f.Destroyed == nil {
		return nil
	}
	return f.Destroyed(ctx, s)
}

// AttributeListenerFuncs adapts optional callbacks to AttributeListener.
type AttributeListenerFuncs struct {
	Added    func(ctx context.Context, s *Session, name string, value interface{}) error
	Removed  func(ctx context.Context, s *Session, name string, value interface{}) error
	Replaced func(ctx context.Context, s *Session, name string, oldValue interface{}) error
}

func (f AttributeListenerFuncs) AttributeAdded(ctx context.Context, s *Session, name string, value interface{}) error {
	if f.Added == nil {
		return nil
	}
	return f.Added(ctx, s, name, value)
}

func (f AttributeListenerFuncs) AttributeRemoved(ctx context.Context, s *Session, name string, value interface{}) error {
	if f.Removed == nil {
		return nil
	}
	return f.Removed(ctx, s, name, value)
}

func (f AttributeListenerFuncs) AttributeReplaced(ctx context.Context, s *Session, name string, oldValue interface{}) error {
	if f.Replaced == nil {
		return nil
	}
	return f.Replaced(ctx, s, name, oldValue)
}

// listeners is the registration-ordered listener set of a manager.
type listeners struct {
	session    []SessionListener
	attribute  []AttributeListener
	activation []ActivationListener
}

// AddSessionListener registers l. Listeners fire in registration order,
// SessionDestroyed in reverse order.
func (m *Manager) AddSessionListener(l SessionListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.listeners.session = append(m.listeners.session, l)
}

// AddAttributeListener registers l.
func (m *Manager) AddAttributeListener(l AttributeListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.listeners.attribute = append(m.listeners.attribute, l)
}

// AddActivationListener registers l.
func (m *Manager) AddActivationListener(l ActivationListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.listeners.activation = append(m.listeners.activation, l)
}

func (m *Manager) snapshotListeners() listeners {
	m.lmu.RLock()
	defer m.lmu.RUnlock()
	return listeners{
		session:    append([]SessionListener(nil), m.listeners.session...),
		attribute:  append([]AttributeListener(nil), m.listeners.attribute...),
		activation: append([]ActivationListener(nil), m.listeners.activation...),
	}
}

// notify runs fn and absorbs its error or panic. Listener failures never
// abort the operation that fired them.
func (m *Manager) notify(kind string, realID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.stats.listenerFailure(m.cfg.NodeID, kind)
			m.logger.Error("Session listener panicked", "listener", kind, "session_id", realID, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		m.stats.listenerFailure(m.cfg.NodeID, kind)
		m.logger.Warn("Session listener failed", "listener", kind, "session_id", realID, "error", err)
	}
}

func (m *Manager) fireCreated(ctx context.Context, s *Session) {
	for _, l := range m.snapshotListeners().session {
		m.notify("session_created", s.realID, func() error { return l.SessionCreated(ctx, s) })
	}
}

func (m *Manager) fireDestroyed(ctx context.Context, s *Session) {
	ls := m.snapshotListeners().session
	for i := len(ls) - 1; i >= 0; i-- {
		l := ls[i]
		m.notify("session_destroyed", s.realID, func() error { return l.SessionDestroyed(ctx, s) })
	}
}

func (m *Manager) fireActivated(ctx context.Context, s *Session) {
	for _, l := range m.snapshotListeners().activation {
		m.notify("session_activated", s.realID, func() error { return l.SessionDidActivate(ctx, s) })
	}
	for _, v := range s.attributeValues() {
		if l, ok := v.(ActivationListener); ok {
			m.notify("session_activated", s.realID, func() error { return l.SessionDidActivate(ctx, s) })
		}
	}
}

func (m *Manager) firePassivating(ctx context.Context, s *Session) {
	for _, v := range s.attributeValues() {
		if l, ok := v.(ActivationListener); ok {
			m.notify("session_passivating", s.realID, func() error { return l.SessionWillPassivate(ctx, s) })
		}
	}
	for _, l := range m.snapshotListeners().activation {
		m.notify("session_passivating", s.realID, func() error { return l.SessionWillPassivate(ctx, s) })
	}
}

// fireAttributeSet notifies binding and attribute listeners after name was
// set to value, replacing old when existed is true.
func (m *Manager) fireAttributeSet(ctx context.Context, s *Session, name string, value, old interface{}, existed bool) {
	same := existed && sameValue(old, value)
	if b, ok := value.(BindingListener); ok && !same {
		m.notify("value_bound", s.realID, func() error { return b.ValueBound(ctx, s, name) })
	}
	if b, ok := old.(BindingListener); ok && existed && !same {
		m.notify("value_unbound", s.realID, func() error { return b.ValueUnbound(ctx, s, name) })
	}
	for _, l := range m.snapshotListeners().attribute {
		if existed {
			m.notify("attribute_replaced", s.realID, func() error { return l.AttributeReplaced(ctx, s, name, old) })
		} else {
			m.notify("attribute_added", s.realID, func() error { return l.AttributeAdded(ctx, s, name, value) })
		}
	}
}

func (m *Manager) fireAttributeRemoved(ctx context.Context, s *Session, name string, value interface{}, notify bool) {
	if !notify {
		return
	}
	if b, ok := value.(BindingListener); ok {
		m.notify("value_unbound", s.realID, func() error { return b.ValueUnbound(ctx, s, name) })
	}
	for _, l := range m.snapshotListeners().attribute {
		m.notify("attribute_removed", s.realID, func() error { return l.AttributeRemoved(ctx, s, name, value) })
	}
}
