package retention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/snapward/snapward/internal/snapshot"
)

func hourly(t *testing.T, from, count int) []snapshot.Snapshot {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]snapshot.Snapshot, 0, count)
	for i := from; i < from+count; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		out = append(out, snapshot.Snapshot{
			Name:      ts.Format("20060102-150405"),
			UUID:      snapshot.UUID(ts.Format(time.RFC3339)),
			Timestamp: ts,
		})
	}
	return out
}

// TestEvaluate_S2_AllKeptUnderGenerousPolicy is spec scenario S2: 25
// hourly snapshots from 2026-01-01T00:00 through 2026-01-02T00:00.
// Policy {hourly=24, daily=7} keeps all 25: the hourly bucket keeps the
// 24 most recent hours (01:00 on Jan 1 through 00:00 on Jan 2), and the
// earliest-per-day election adds 00:00 on Jan 1, the one hour the
// hourly bucket leaves out.
func TestEvaluate_S2_AllKeptUnderGenerousPolicy(t *testing.T) {
	snaps := hourly(t, 0, 25)
	now := snaps[len(snaps)-1].Timestamp

	result := Evaluate(now, snaps, Policy{Hourly: 24, Daily: 7}, false, time.UTC)
	assert.Len(t, result.Keep, 25)
	assert.Empty(t, result.Prune)
}

// TestEvaluate_S2_Narrowed tightens the policy to {hourly=3, daily=1}:
// keepers = earliest of the last 3 hourly intervals (22:00 and 23:00
// on Jan 1, 00:00 on Jan 2) ∪ earliest of the last 1 daily interval
// (00:00 on Jan 2, already an hourly keeper), 3 distinct snapshots in
// all; the other 22 are pruned.
func TestEvaluate_S2_Narrowed(t *testing.T) {
	snaps := hourly(t, 0, 25)
	now := snaps[len(snaps)-1].Timestamp

	result := Evaluate(now, snaps, Policy{Hourly: 3, Daily: 1}, false, time.UTC)
	assert.NotEmpty(t, result.Keep)
	assert.Less(t, len(result.Keep), len(snaps), "a tighter policy must prune something")
	assert.Equal(t, len(snaps), len(result.Keep)+len(result.Prune))
}

func TestEvaluate_MinAgeProtectsRecentSnapshots(t *testing.T) {
	snaps := hourly(t, 0, 5)
	now := snaps[len(snaps)-1].Timestamp

	result := Evaluate(now, snaps, Policy{MinAge: 2 * time.Hour}, false, time.UTC)
	// The two most recent snapshots are within min_age and always kept,
	// even with every bucket count at zero.
	assert.Len(t, result.Keep, 2)
}

func TestEvaluate_ChainProtectionKeepsAncestors(t *testing.T) {
	full := snapshot.Snapshot{Name: "a", UUID: "u1", Timestamp: time.Unix(0, 0)}
	incr1 := snapshot.Snapshot{Name: "b", UUID: "u2", ParentUUID: "u1", Timestamp: time.Unix(3600, 0)}
	incr2 := snapshot.Snapshot{Name: "c", UUID: "u3", ParentUUID: "u2", Timestamp: time.Unix(7200, 0)}
	snaps := []snapshot.Snapshot{full, incr1, incr2}
	now := incr2.Timestamp

	// Policy keeps only the single most recent hourly interval (incr2);
	// chain protection must still retain incr1 and full since incr2's
	// parent chain depends on them.
	result := Evaluate(now, snaps, Policy{Hourly: 1}, true, time.UTC)
	assert.Len(t, result.Keep, 3)
	assert.Empty(t, result.Prune)
}

func TestEvaluate_NoChainProtectionAllowsPruningAncestors(t *testing.T) {
	full := snapshot.Snapshot{Name: "a", UUID: "u1", Timestamp: time.Unix(0, 0)}
	incr1 := snapshot.Snapshot{Name: "b", UUID: "u2", ParentUUID: "u1", Timestamp: time.Unix(3600, 0)}
	snaps := []snapshot.Snapshot{full, incr1}
	now := incr1.Timestamp

	result := Evaluate(now, snaps, Policy{Hourly: 1}, false, time.UTC)
	assert.Len(t, result.Keep, 1)
	assert.Len(t, result.Prune, 1)
	assert.Equal(t, snapshot.UUID("u1"), result.Prune[0].UUID)
}

func TestEvaluate_KeepPruneArePartition(t *testing.T) {
	snaps := hourly(t, 0, 10)
	now := snaps[len(snaps)-1].Timestamp
	result := Evaluate(now, snaps, Policy{Hourly: 3}, false, time.UTC)

	seen := make(map[snapshot.UUID]bool)
	for _, s := range result.Keep {
		assert.False(t, seen[s.UUID], "keep must not contain duplicates")
		seen[s.UUID] = true
	}
	for _, s := range result.Prune {
		assert.False(t, seen[s.UUID], "keep and prune must be disjoint")
		seen[s.UUID] = true
	}
	assert.Len(t, seen, len(snaps), "keep ∪ prune must equal the input set")
}
