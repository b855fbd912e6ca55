// Package planner implements spec §4.E: given a volume's current
// snapshot catalog and a destination's, decide what (if anything) needs
// sending and which parent to send it against. It is a pure function
// over slices, the same shape as the teacher's
// Filesystem.doPlanning/IncrementalPath common-ancestor computation in
// internal/replication/logic, reduced here from zrepl's bookmark-aware
// multi-step planning to this system's single-parent, single-target
// selection.
package planner

import (
	"sort"

	"github.com/snapward/snapward/internal/pipeline"
	"github.com/snapward/snapward/internal/snapshot"
)

// Options tunes planning behavior that's configured per volume or
// destination rather than derived from the snapshot lists themselves.
type Options struct {
	// IncrementalDisabled forces every plan to be a full transfer (spec
	// §4.E step 6).
	IncrementalDisabled bool
}

// Plan computes the next transfer, or nil if the destination is
// already current. sourceSnapshots and destSnapshots need not be
// pre-sorted; Plan sorts its own copies.
func Plan(prefix string, sourceSnapshots, destSnapshots []snapshot.Snapshot, opts Options) (*pipeline.Plan, error) {
	s := filterParseable(sourceSnapshots, prefix)
	sortStable(s)

	received := make(map[snapshot.UUID]snapshot.Snapshot, len(destSnapshots))
	for _, d := range destSnapshots {
		if d.ReceivedUUID != "" {
			received[d.ReceivedUUID] = d
		}
	}

	// common = S ∩_received_uuid D_received: source snapshots whose
	// uuid shows up as some destination snapshot's received_uuid.
	common := make(map[snapshot.UUID]struct{}, len(s))
	for _, snap := range s {
		if _, ok := received[snap.UUID]; ok {
			common[snap.UUID] = struct{}{}
		}
	}

	// target = latest element of S not in common.
	var target *snapshot.Snapshot
	for i := len(s) - 1; i >= 0; i-- {
		if _, ok := common[s[i].UUID]; !ok {
			target = &s[i]
			break
		}
	}
	if target == nil {
		return nil, nil // destination already current
	}

	if opts.IncrementalDisabled {
		return &pipeline.Plan{SourceSnapshot: *target}, nil
	}

	// parent = most recent element of common with timestamp strictly
	// less than target's.
	var parent *snapshot.Snapshot
	for i := len(s) - 1; i >= 0; i-- {
		if _, ok := common[s[i].UUID]; !ok {
			continue
		}
		if s[i].Timestamp.Before(target.Timestamp) {
			p := s[i]
			parent = &p
			break
		}
	}

	return &pipeline.Plan{SourceSnapshot: *target, ParentSnapshot: parent}, nil
}

func filterParseable(snaps []snapshot.Snapshot, prefix string) []snapshot.Snapshot {
	out := make([]snapshot.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if len(s.Name) >= len(prefix) && s.Name[:len(prefix)] == prefix {
			out = append(out, s)
		}
	}
	return out
}

// sortStable orders by timestamp ascending, then by full name
// lexicographically for a deterministic tie-break independent agreeing
// planners must reproduce (spec §4.E "Tie-breaks").
func sortStable(snaps []snapshot.Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		if snaps[i].Timestamp.Equal(snaps[j].Timestamp) {
			return snaps[i].Name < snaps[j].Name
		}
		return snaps[i].Timestamp.Before(snaps[j].Timestamp)
	})
}
