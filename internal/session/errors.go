package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when neither the local map nor the
	// replication store holds the requested id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidAttributeType is returned when a value cannot be encoded for
	// replication by a distributable manager.
	ErrInvalidAttributeType = errors.New("attribute value is not replicable")
	// ErrIllegalState is returned by any operation on an invalidated session.
	ErrIllegalState = errors.New("session already invalidated")
	// ErrTooManyActiveSessions is returned by CreateSession when the
	// configured active session limit is reached.
	ErrTooManyActiveSessions = errors.New("too many active sessions")
	// ErrReplicationDegraded wraps store failures that were absorbed: the
	// session stays valid locally but lost cluster coverage.
	ErrReplicationDegraded = errors.New("session replication degraded")
	// ErrManagerStopped is returned by operations on a stopped manager.
	ErrManagerStopped = errors.New("session manager stopped")
)

// AttributeTypeError names the attribute whose value could not be encoded.
type AttributeTypeError struct {
	Name string
	Type string
	Err  error
}

func (e *AttributeTypeError) Error() string {
	return fmt.Sprintf("attribute %q of type %s: %v: %v", e.Name, e.Type, ErrInvalidAttributeType, e.Err)
}

// Unwrap exposes both ErrInvalidAttributeType and the codec error.
func (e *AttributeTypeError) Unwrap() []error {
	return []error{ErrInvalidAttributeType, e.Err}
}
