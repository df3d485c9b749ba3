package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicyNames(t *testing.T) {
	for _, g := range []Granularity{GranularitySession, GranularityAttribute, GranularityField} {
		got, err := ParseGranularity(g.String())
		require.NoError(t, err)
		assert.Equal(t, g, got)
	}
	for _, tr := range []Trigger{TriggerSet, TriggerSetAndGet, TriggerSetAndNonPrimitiveGet, TriggerAccess} {
		got, err := ParseTrigger(tr.String())
		require.NoError(t, err)
		assert.Equal(t, tr, got)
	}
	for _, m := range []SnapshotMode{SnapshotInstant, SnapshotInterval} {
		got, err := ParseSnapshotMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	g, err := ParseGranularity(" field ")
	require.NoError(t, err)
	assert.Equal(t, GranularityField, g)

	_, err = ParseGranularity("row")
	assert.Error(t, err)
	_, err = ParseTrigger("never")
	assert.Error(t, err)
	_, err = ParseSnapshotMode("lazy")
	assert.Error(t, err)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, Policy{Trigger: TriggerAccess, MaxUnreplicatedFactor: -1}.Validate())
	assert.Error(t, Policy{Trigger: Trigger(9)}.Validate())
	assert.Error(t, Policy{MaxUnreplicatedFactor: -2}.Validate())
}

func TestMaxUnreplicatedWindow(t *testing.T) {
	p := Policy{MaxUnreplicatedFactor: 80}
	d, ok := p.maxUnreplicated(10 * time.Minute)
	require.True(t, ok)
	assert.Equal(t, 8*time.Minute, d)

	_, ok = p.maxUnreplicated(-1)
	assert.False(t, ok, "sessions that never expire")
	_, ok = Policy{MaxUnreplicatedFactor: -1}.maxUnreplicated(10 * time.Minute)
	assert.False(t, ok)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.NodeID = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxActive = -5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SnapshotMode = SnapshotInterval
	cfg.SnapshotInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Granularity = Granularity(7)
	assert.Error(t, cfg.Validate())
}
