package restore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapward/snapward/internal/endpoint"
	"github.com/snapward/snapward/internal/snapshot"
)

func snap(name string, uuid, parent snapshot.UUID, minute int) snapshot.Snapshot {
	return snapshot.Snapshot{
		Name:       name,
		UUID:       uuid,
		ParentUUID: parent,
		Timestamp:  time.Date(2026, 1, 1, 0, minute, 0, 0, time.UTC),
	}
}

func TestResolveTargetsSpecific(t *testing.T) {
	backup := []snapshot.Snapshot{snap("a", "u1", "", 0), snap("b", "u2", "u1", 1)}
	got, err := ResolveTargets(backup, TargetSpec{Kind: TargetSpecific, SnapshotName: "b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, snapshot.UUID("u2"), got[0].UUID)
}

func TestResolveTargetsSpecificNotFound(t *testing.T) {
	backup := []snapshot.Snapshot{snap("a", "u1", "", 0)}
	_, err := ResolveTargets(backup, TargetSpec{Kind: TargetSpecific, SnapshotName: "missing"})
	assert.Error(t, err)
}

func TestResolveTargetsCutoffBefore(t *testing.T) {
	backup := []snapshot.Snapshot{
		snap("a", "u1", "", 0),
		snap("b", "u2", "u1", 5),
		snap("c", "u3", "u2", 10),
	}
	got, err := ResolveTargets(backup, TargetSpec{Kind: TargetCutoffBefore, Cutoff: time.Date(2026, 1, 1, 0, 8, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, snapshot.UUID("u2"), got[0].UUID, "latest snapshot strictly before cutoff")
}

func TestResolveTargetsCutoffBeforeNoneMatch(t *testing.T) {
	backup := []snapshot.Snapshot{snap("a", "u1", "", 10)}
	_, err := ResolveTargets(backup, TargetSpec{Kind: TargetCutoffBefore, Cutoff: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
	assert.Error(t, err)
}

func TestResolveTargetsLatest(t *testing.T) {
	backup := []snapshot.Snapshot{snap("a", "u1", "", 0), snap("c", "u3", "u1", 10), snap("b", "u2", "u1", 5)}
	got, err := ResolveTargets(backup, TargetSpec{Kind: TargetLatest})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, snapshot.UUID("u3"), got[0].UUID)
}

func TestResolveTargetsLatestEmpty(t *testing.T) {
	_, err := ResolveTargets(nil, TargetSpec{Kind: TargetLatest})
	assert.Error(t, err)
}

func TestResolveTargetsAll(t *testing.T) {
	backup := []snapshot.Snapshot{snap("a", "u1", "", 0), snap("b", "u2", "u1", 5)}
	got, err := ResolveTargets(backup, TargetSpec{Kind: TargetAll})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestPlanReconstructsFullChainWhenNothingLocal(t *testing.T) {
	backup := []snapshot.Snapshot{
		snap("a", "u1", "", 0),
		snap("b", "u2", "u1", 5),
		snap("c", "u3", "u2", 10),
	}
	target := backup[2]
	steps, err := Plan(backup, nil, []snapshot.Snapshot{target})
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, snapshot.UUID("u1"), steps[0].Snapshot.UUID, "root-first order")
	assert.Nil(t, steps[0].Parent)
	assert.Equal(t, snapshot.UUID("u2"), steps[1].Snapshot.UUID)
	require.NotNil(t, steps[1].Parent)
	assert.Equal(t, snapshot.UUID("u1"), steps[1].Parent.UUID)
	assert.Equal(t, snapshot.UUID("u3"), steps[2].Snapshot.UUID)
}

func TestPlanPrunesPrefixAlreadyLocal(t *testing.T) {
	backup := []snapshot.Snapshot{
		snap("a", "u1", "", 0),
		snap("b", "u2", "u1", 5),
		snap("c", "u3", "u2", 10),
	}
	local := []snapshot.Snapshot{
		{Name: "a", UUID: "l1", ReceivedUUID: "u1"},
	}
	steps, err := Plan(backup, local, []snapshot.Snapshot{backup[2]})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, snapshot.UUID("u2"), steps[0].Snapshot.UUID)
	assert.Equal(t, snapshot.UUID("u3"), steps[1].Snapshot.UUID)
}

func TestPlanAllAlreadyLocalYieldsNoSteps(t *testing.T) {
	backup := []snapshot.Snapshot{snap("a", "u1", "", 0), snap("b", "u2", "u1", 5)}
	local := []snapshot.Snapshot{
		{Name: "a", UUID: "l1", ReceivedUUID: "u1"},
		{Name: "b", UUID: "l2", ReceivedUUID: "u2"},
	}
	steps, err := Plan(backup, local, []snapshot.Snapshot{backup[1]})
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestPlanUnionsMultipleTargetsWithoutDuplication(t *testing.T) {
	backup := []snapshot.Snapshot{
		snap("a", "u1", "", 0),
		snap("b", "u2", "u1", 5),
		snap("c", "u3", "u2", 10),
	}
	steps, err := Plan(backup, nil, []snapshot.Snapshot{backup[1], backup[2]})
	require.NoError(t, err)
	require.Len(t, steps, 3, "shared ancestor u1/u2 must not be emitted twice")
}

func TestPlanMissingParentErrors(t *testing.T) {
	backup := []snapshot.Snapshot{snap("b", "u2", "u1", 5)} // u1 absent from catalog
	_, err := Plan(backup, nil, []snapshot.Snapshot{backup[0]})
	assert.Error(t, err)
}

func TestChainForDetectsCycle(t *testing.T) {
	byUUID := map[snapshot.UUID]snapshot.Snapshot{
		"u1": snap("a", "u1", "u2", 0),
		"u2": snap("b", "u2", "u1", 5),
	}
	_, err := chainFor(byUUID, byUUID["u1"])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestChainForSingleFullSnapshot(t *testing.T) {
	byUUID := map[snapshot.UUID]snapshot.Snapshot{
		"u1": snap("a", "u1", "", 0),
	}
	chain, err := chainFor(byUUID, byUUID["u1"])
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, snapshot.UUID("u1"), chain[0].UUID)
}

func seedBackupSnapshot(t *testing.T, ep *endpoint.RawFileEndpoint, name string, u snapshot.UUID) {
	t.Helper()
	sink, err := ep.OpenReceiveFile(context.Background(), name)
	require.NoError(t, err)
	_, err = sink.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	require.NoError(t, ep.FinalizeReceive(name, endpoint.RawMeta{UUID: u, ReceivedUUID: u, Bytes: 1, CreatedAt: time.Now()}))
}

func TestRun_InPlaceUsesLiveVolumePathAsDestination(t *testing.T) {
	backup := endpoint.NewRawFileEndpoint(t.TempDir())
	local := endpoint.NewRawFileEndpoint(t.TempDir())
	seedBackupSnapshot(t, backup, "a", "u1")

	backupSnaps, err := backup.ListSnapshots(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, backupSnaps, 1)

	liveDir := filepath.Join(t.TempDir(), "live-vol")
	opts := Options{InPlace: true, LiveVolumePath: liveDir}

	outcomes, err := Run(context.Background(), []Step{{Snapshot: backupSnaps[0]}}, backup, local, opts, nil, nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)

	info, statErr := os.Stat(liveDir)
	require.NoError(t, statErr, "in-place restore must target LiveVolumePath, not DestDir")
	assert.True(t, info.IsDir())
}

func TestRun_InPlaceWithoutLiveVolumePathErrors(t *testing.T) {
	backup := endpoint.NewRawFileEndpoint(t.TempDir())
	local := endpoint.NewRawFileEndpoint(t.TempDir())
	_, err := Run(context.Background(), nil, backup, local, Options{InPlace: true}, nil, nil)
	assert.Error(t, err)
}
