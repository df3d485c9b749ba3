// Package cache holds the replication store that backs clustered sessions:
// a last-writer-wins key/value store with per-entry sub-keys and change
// events, plus the decorators the session manager stacks on top of it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key has no live entry.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrTimeout is returned when a store call did not finish within its
	// deadline, after retries.
	ErrTimeout = errors.New("cache: operation timed out")
	// ErrUnavailable is returned when the backend could not be reached,
	// after retries.
	ErrUnavailable = errors.New("cache: store unavailable")
	// ErrClosed is returned by calls on a closed store.
	ErrClosed = errors.New("cache: store closed")
)

// EventKind classifies a store change event.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventModified EventKind = "modified"
	EventRemoved  EventKind = "removed"
)

// DefaultTombstoneTTL is how long a removed key keeps rejecting writes. Every
// write reaching a removed key was captured from state at or before the
// removal, usually on a node the removal event had not reached yet, so none
// of them may re-create the entry. Session keys are never reused.
const DefaultTombstoneTTL = time.Minute

// Mutation is one versioned write. It is applied only when Version is
// strictly greater than the stored version of Key.
type Mutation struct {
	Key      string
	Version  int64
	Origin   string
	Metadata []byte
	// Replace drops every stored field before Put is applied.
	Replace bool
	Put     map[string][]byte
	Remove  []string
	// TTL bounds the lifetime of the entry; zero keeps it until removed.
	TTL time.Duration
}

// Entry is the stored representation of one key.
type Entry struct {
	Key       string
	Version   int64
	Origin    string
	Metadata  []byte
	Fields    map[string][]byte
	ExpiresAt time.Time
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := &Entry{
		Key:       e.Key,
		Version:   e.Version,
		Origin:    e.Origin,
		Metadata:  append([]byte(nil), e.Metadata...),
		Fields:    make(map[string][]byte, len(e.Fields)),
		ExpiresAt: e.ExpiresAt,
	}
	for k, v := range e.Fields {
		out.Fields[k] = append([]byte(nil), v...)
	}
	return out
}

// ApplyResult reports the outcome of Apply. When Applied is false Current
// holds the stored version that won.
type ApplyResult struct {
	Applied bool
	Current int64
}

// Event describes a change to the store. Field is set for sub-key removals.
type Event struct {
	Kind    EventKind `json:"kind"`
	Key     string    `json:"key"`
	Field   string    `json:"field,omitempty"`
	Version int64     `json:"version"`
	Origin  string    `json:"origin"`
}

// Handler receives store events. Handlers run on store goroutines; events of
// one key arrive in write order.
type Handler func(Event)

// Subscription is returned by Subscribe; Close stops delivery.
type Subscription interface {
	Close() error
}

// Store is the replication store contract shared by every backend.
type Store interface {
	// Apply writes m when its version is newer than the stored one.
	Apply(ctx context.Context, m Mutation) (ApplyResult, error)
	// Get returns the live entry of key or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key, origin string) error
	// Keys lists every live key.
	Keys(ctx context.Context) ([]string, error)
	// Subscribe registers h for change events.
	Subscribe(h Handler) (Subscription, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Backend names used in metrics and logs.
const (
	BackendMemory   = "memory"
	BackendValkey   = "valkey"
	BackendPostgres = "postgres"
)

// IsDegraded reports whether s, or a store it decorates, is an AutoSwap
// currently serving from its fallback.
func IsDegraded(s Store) bool {
	for s != nil {
		if a, ok := s.(*AutoSwap); ok {
			return a.Degraded()
		}
		u, ok := s.(interface{ Unwrap() Store })
		if !ok {
			return false
		}
		s = u.Unwrap()
	}
	return false
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err is worth retrying: explicitly marked
// errors, timeouts and network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// ResultLabel maps an error onto the result label used by metrics.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// encodeEvent renders e as kind|version|origin|key|field for channel based
// backends. Keys and origins never contain '|'.
func encodeEvent(e Event) string {
	return strings.Join([]string{
		string(e.Kind),
		strconv.FormatInt(e.Version, 10),
		e.Origin,
		e.Key,
		e.Field,
	}, "|")
}

func decodeEvent(payload string) (Event, error) {
	parts := strings.SplitN(payload, "|", 5)
	if len(parts) != 5 {
		return Event{}, fmt.Errorf("malformed event payload %q", payload)
	}
	version, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("malformed event version %q: %w", parts[1], err)
	}
	kind := EventKind(parts[0])
	switch kind {
	case EventCreated, EventModified, EventRemoved:
	default:
		return Event{}, fmt.Errorf("unknown event kind %q", parts[0])
	}
	return Event{
		Kind:    kind,
		Version: version,
		Origin:  parts[2],
		Key:     parts[3],
		Field:   parts[4],
	}, nil
}

// validateMutation rejects writes no backend can store.
func validateMutation(m Mutation) error {
	if m.Key == "" {
		return errors.New("cache: empty key")
	}
	if strings.Contains(m.Key, "|") || strings.Contains(m.Origin, "|") {
		return fmt.Errorf("cache: key %q or origin %q contains '|'", m.Key, m.Origin)
	}
	if m.Version <= 0 {
		return fmt.Errorf("cache: non-positive version %d for key %q", m.Version, m.Key)
	}
	return nil
}
