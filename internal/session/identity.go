package session

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// routeSeparator splits a presented session id into its cluster-wide real id
// and the jvmRoute suffix used for sticky load balancing.
const routeSeparator = '.'

// SplitID returns the real id and the routing suffix of a presented id.
func SplitID(id string) (realID, route string) {
	if i := strings.LastIndexByte(id, routeSeparator); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}

// RealID strips the routing suffix.
func RealID(id string) string {
	realID, _ := SplitID(id)
	return realID
}

// JoinID appends route to realID. An empty route yields realID unchanged.
func JoinID(realID, route string) string {
	if route == "" {
		return realID
	}
	return realID + string(routeSeparator) + route
}

// ValidateID rejects ids that cannot be used as store keys.
func ValidateID(id string) error {
	realID := RealID(id)
	if realID == "" {
		return errors.New("empty session id")
	}
	if strings.ContainsAny(realID, "|{}") {
		return errors.New("session id contains reserved characters")
	}
	return nil
}

// newRealID generates a random session id without separators.
func newRealID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
