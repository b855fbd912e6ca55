package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapward/snapward/internal/snapshot"
)

func ts(minute int) time.Time {
	return time.Date(2026, 1, 1, 0, minute, 0, 0, time.UTC)
}

func TestPlan_FullSendWhenDestinationEmpty(t *testing.T) {
	source := []snapshot.Snapshot{
		{Name: "s_a", UUID: "u1", Timestamp: ts(0)},
	}
	plan, err := Plan("s_", source, nil, Options{})
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, snapshot.UUID("u1"), plan.SourceSnapshot.UUID)
	assert.Nil(t, plan.ParentSnapshot)
}

func TestPlan_IncrementalAgainstLatestCommonAncestor(t *testing.T) {
	source := []snapshot.Snapshot{
		{Name: "s_a", UUID: "u1", Timestamp: ts(0)},
		{Name: "s_b", UUID: "u2", Timestamp: ts(1)},
		{Name: "s_c", UUID: "u3", Timestamp: ts(2)},
	}
	dest := []snapshot.Snapshot{
		{Name: "s_a", UUID: "d1", Timestamp: ts(0), ReceivedUUID: "u1"},
		{Name: "s_b", UUID: "d2", Timestamp: ts(1), ReceivedUUID: "u2"},
	}
	plan, err := Plan("s_", source, dest, Options{})
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, snapshot.UUID("u3"), plan.SourceSnapshot.UUID)
	require.NotNil(t, plan.ParentSnapshot)
	assert.Equal(t, snapshot.UUID("u2"), plan.ParentSnapshot.UUID)
}

func TestPlan_NilWhenDestinationAlreadyCurrent(t *testing.T) {
	source := []snapshot.Snapshot{
		{Name: "s_a", UUID: "u1", Timestamp: ts(0)},
	}
	dest := []snapshot.Snapshot{
		{Name: "s_a", UUID: "d1", Timestamp: ts(0), ReceivedUUID: "u1"},
	}
	plan, err := Plan("s_", source, dest, Options{})
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestPlan_IncrementalDisabledForcesFullSend(t *testing.T) {
	source := []snapshot.Snapshot{
		{Name: "s_a", UUID: "u1", Timestamp: ts(0)},
		{Name: "s_b", UUID: "u2", Timestamp: ts(1)},
	}
	dest := []snapshot.Snapshot{
		{Name: "s_a", UUID: "d1", Timestamp: ts(0), ReceivedUUID: "u1"},
	}
	plan, err := Plan("s_", source, dest, Options{IncrementalDisabled: true})
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, snapshot.UUID("u2"), plan.SourceSnapshot.UUID)
	assert.Nil(t, plan.ParentSnapshot)
}

func TestPlan_IgnoresSnapshotsWithoutMatchingPrefix(t *testing.T) {
	source := []snapshot.Snapshot{
		{Name: "other_a", UUID: "u1", Timestamp: ts(0)},
		{Name: "s_b", UUID: "u2", Timestamp: ts(1)},
	}
	plan, err := Plan("s_", source, nil, Options{})
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, snapshot.UUID("u2"), plan.SourceSnapshot.UUID)
}

// TestPlan_Idempotent checks that re-planning immediately after a
// successful transfer (dest now holds the former target) yields nil:
// planning has no side effects and converges once caught up.
func TestPlan_Idempotent(t *testing.T) {
	source := []snapshot.Snapshot{
		{Name: "s_a", UUID: "u1", Timestamp: ts(0)},
		{Name: "s_b", UUID: "u2", Timestamp: ts(1)},
	}
	dest := []snapshot.Snapshot{
		{Name: "s_a", UUID: "d1", Timestamp: ts(0), ReceivedUUID: "u1"},
	}
	first, err := Plan("s_", source, dest, Options{})
	require.NoError(t, err)
	require.NotNil(t, first)

	dest = append(dest, snapshot.Snapshot{Name: "s_b", UUID: "d2", Timestamp: ts(1), ReceivedUUID: "u2"})
	second, err := Plan("s_", source, dest, Options{})
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestPlan_TieBreaksByNameOnEqualTimestamp(t *testing.T) {
	same := ts(0)
	source := []snapshot.Snapshot{
		{Name: "s_b", UUID: "u2", Timestamp: same},
		{Name: "s_a", UUID: "u1", Timestamp: same},
	}
	plan, err := Plan("s_", source, nil, Options{})
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, snapshot.UUID("u2"), plan.SourceSnapshot.UUID, "s_b sorts after s_a lexicographically, so it is the latest")
}
