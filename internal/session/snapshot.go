package session

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// metadataSchemaVersion is written first in every envelope. Readers accept
// newer versions and skip fields they do not know.
const metadataSchemaVersion = 1

const (
	fieldSchemaVersion protowire.Number = iota + 1
	fieldRealID
	fieldCreationTime
	fieldLastAccessedTime
	fieldThisAccessedTime
	fieldMaxInactiveSeconds
	fieldValid
	fieldNew
)

var errMalformedMetadata = errors.New("malformed session metadata")

// metadata is the replicated, non-attribute part of a session. The routing
// suffix is node-local and never part of it.
type metadata struct {
	SchemaVersion    uint64
	RealID           string
	CreationTime     time.Time
	LastAccessedTime time.Time
	ThisAccessedTime time.Time
	// MaxInactive is negative when the session never expires.
	MaxInactive time.Duration
	Valid       bool
	New         bool
}

func encodeMetadata(md metadata) []byte {
	b := make([]byte, 0, 64+len(md.RealID))
	b = protowire.AppendTag(b, fieldSchemaVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, metadataSchemaVersion)
	b = protowire.AppendTag(b, fieldRealID, protowire.BytesType)
	b = protowire.AppendString(b, md.RealID)
	b = appendTime(b, fieldCreationTime, md.CreationTime)
	b = appendTime(b, fieldLastAccessedTime, md.LastAccessedTime)
	b = appendTime(b, fieldThisAccessedTime, md.ThisAccessedTime)
	b = protowire.AppendTag(b, fieldMaxInactiveSeconds, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(maxInactiveSeconds(md.MaxInactive)))
	b = protowire.AppendTag(b, fieldValid, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(md.Valid))
	b = protowire.AppendTag(b, fieldNew, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(md.New))
	return b
}

func decodeMetadata(b []byte) (metadata, error) {
	var md metadata
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return md, fmt.Errorf("%w: %v", errMalformedMetadata, protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType && num != fieldRealID {
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return md, fmt.Errorf("%w: field %d: %v", errMalformedMetadata, num, protowire.ParseError(m))
			}
			switch num {
			case fieldSchemaVersion:
				md.SchemaVersion = v
			case fieldCreationTime:
				md.CreationTime = decodeTime(v)
			case fieldLastAccessedTime:
				md.LastAccessedTime = decodeTime(v)
			case fieldThisAccessedTime:
				md.ThisAccessedTime = decodeTime(v)
			case fieldMaxInactiveSeconds:
				md.MaxInactive = maxInactiveDuration(protowire.DecodeZigZag(v))
			case fieldValid:
				md.Valid = protowire.DecodeBool(v)
			case fieldNew:
				md.New = protowire.DecodeBool(v)
			}
			b = b[m:]
			continue
		}
		if num == fieldRealID && typ == protowire.BytesType {
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return md, fmt.Errorf("%w: real id: %v", errMalformedMetadata, protowire.ParseError(m))
			}
			md.RealID = v
			b = b[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return md, fmt.Errorf("%w: field %d: %v", errMalformedMetadata, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	if md.SchemaVersion == 0 {
		return md, fmt.Errorf("%w: missing schema version", errMalformedMetadata)
	}
	return md, nil
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.UnixNano()))
}

func decodeTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v)).UTC()
}

func maxInactiveSeconds(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return int64(d / time.Second)
}

func maxInactiveDuration(sec int64) time.Duration {
	if sec < 0 {
		return -1
	}
	return time.Duration(sec) * time.Second
}
