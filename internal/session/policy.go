package session

import (
	"fmt"
	"strings"
	"time"
)

// Granularity selects how much attribute state a push carries.
type Granularity int

const (
	// GranularitySession ships every attribute whenever any attribute is dirty.
	GranularitySession Granularity = iota
	// GranularityAttribute ships only attributes that were set, removed, or
	// retrieved under a dirtying trigger.
	GranularityAttribute
	// GranularityField ships dirty attributes whose encoded form changed
	// since the last successful push.
	GranularityField
)

func (g Granularity) String() string {
	switch g {
	case GranularitySession:
		return "SESSION"
	case GranularityAttribute:
		return "ATTRIBUTE"
	case GranularityField:
		return "FIELD"
	default:
		return fmt.Sprintf("Granularity(%d)", int(g))
	}
}

// ParseGranularity accepts the names returned by String, case-insensitively.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SESSION", "":
		return GranularitySession, nil
	case "ATTRIBUTE":
		return GranularityAttribute, nil
	case "FIELD":
		return GranularityField, nil
	}
	return 0, fmt.Errorf("unknown replication granularity %q", s)
}

// Trigger selects which operations mark a session dirty.
type Trigger int

const (
	// TriggerSet dirties on attribute set and remove only.
	TriggerSet Trigger = iota
	// TriggerSetAndGet also dirties the retrieved attribute on every get.
	TriggerSetAndGet
	// TriggerSetAndNonPrimitiveGet dirties on get unless the value is an
	// immutable primitive.
	TriggerSetAndNonPrimitiveGet
	// TriggerAccess additionally dirties metadata on every access.
	TriggerAccess
)

func (t Trigger) String() string {
	switch t {
	case TriggerSet:
		return "SET"
	case TriggerSetAndGet:
		return "SET_AND_GET"
	case TriggerSetAndNonPrimitiveGet:
		return "SET_AND_NON_PRIMITIVE_GET"
	case TriggerAccess:
		return "ACCESS"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// ParseTrigger accepts the names returned by String, case-insensitively.
func ParseTrigger(s string) (Trigger, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SET":
		return TriggerSet, nil
	case "SET_AND_GET":
		return TriggerSetAndGet, nil
	case "SET_AND_NON_PRIMITIVE_GET", "":
		return TriggerSetAndNonPrimitiveGet, nil
	case "ACCESS":
		return TriggerAccess, nil
	}
	return 0, fmt.Errorf("unknown replication trigger %q", s)
}

// dirtiesOnGet reports whether retrieving v marks it dirty.
func (t Trigger) dirtiesOnGet(v interface{}) bool {
	switch t {
	case TriggerSetAndGet, TriggerAccess:
		return true
	case TriggerSetAndNonPrimitiveGet:
		return !isPrimitive(v)
	}
	return false
}

// SnapshotMode selects when dirty sessions are pushed.
type SnapshotMode int

const (
	// SnapshotInstant pushes synchronously at mutation or end of request.
	SnapshotInstant SnapshotMode = iota
	// SnapshotInterval coalesces pushes and flushes them on a fixed period.
	SnapshotInterval
)

func (m SnapshotMode) String() string {
	if m == SnapshotInterval {
		return "interval"
	}
	return "instant"
}

// ParseSnapshotMode accepts "instant" or "interval".
func ParseSnapshotMode(s string) (SnapshotMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "instant", "":
		return SnapshotInstant, nil
	case "interval":
		return SnapshotInterval, nil
	}
	return 0, fmt.Errorf("unknown snapshot mode %q", s)
}

// Policy holds the settings that may change while the manager runs.
type Policy struct {
	Trigger Trigger
	// MaxUnreplicatedFactor is the percentage of the idle timeout after which
	// an access-only session is pushed anyway. -1 disables the rule.
	MaxUnreplicatedFactor int
	ExpiryEnabled         bool
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.Trigger < TriggerSet || p.Trigger > TriggerAccess {
		return fmt.Errorf("invalid replication trigger %d", int(p.Trigger))
	}
	if p.MaxUnreplicatedFactor < -1 {
		return fmt.Errorf("max unreplicated factor must be -1 or >= 0, got %d", p.MaxUnreplicatedFactor)
	}
	return nil
}

// maxUnreplicated returns the interval after which an access-only session is
// forced out, or false when the rule does not apply.
func (p Policy) maxUnreplicated(maxInactive time.Duration) (time.Duration, bool) {
	if p.MaxUnreplicatedFactor < 0 || maxInactive <= 0 {
		return 0, false
	}
	return maxInactive * time.Duration(p.MaxUnreplicatedFactor) / 100, true
}
