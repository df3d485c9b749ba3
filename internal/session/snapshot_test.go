package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func testMetadata() metadata {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return metadata{
		SchemaVersion:    metadataSchemaVersion,
		RealID:           "abc",
		CreationTime:     base,
		LastAccessedTime: base.Add(time.Minute),
		ThisAccessedTime: base.Add(2 * time.Minute),
		MaxInactive:      30 * time.Minute,
		Valid:            true,
		New:              true,
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	md := testMetadata()
	got, err := decodeMetadata(encodeMetadata(md))
	require.NoError(t, err)
	assert.Equal(t, md, got)

	md.MaxInactive = -1
	md.LastAccessedTime = time.Time{}
	md.New = false
	got, err = decodeMetadata(encodeMetadata(md))
	require.NoError(t, err)
	assert.Equal(t, md, got)
}

func TestMetadataSkipsUnknownFields(t *testing.T) {
	b := encodeMetadata(testMetadata())
	b = protowire.AppendTag(b, 42, protowire.BytesType)
	b = protowire.AppendString(b, "added by a newer node")
	b = protowire.AppendTag(b, 43, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 7)

	got, err := decodeMetadata(b)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.RealID)
}

func TestMetadataAcceptsNewerSchema(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, fieldSchemaVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, 9)
	b = protowire.AppendTag(b, fieldRealID, protowire.BytesType)
	b = protowire.AppendString(b, "xyz")

	got, err := decodeMetadata(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.SchemaVersion)
	assert.Equal(t, "xyz", got.RealID)
}

func TestMetadataMalformed(t *testing.T) {
	_, err := decodeMetadata(nil)
	assert.ErrorIs(t, err, errMalformedMetadata)

	b := encodeMetadata(testMetadata())
	_, err = decodeMetadata(b[:len(b)-1])
	assert.ErrorIs(t, err, errMalformedMetadata)
}
