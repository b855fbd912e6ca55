// Package retention implements the time-bucketed Retention Evaluator
// of spec §4.F: partition snapshots into keep/prune sets by electing
// the earliest snapshot in each of the most recent k intervals of a
// bucket, then protecting anything a keeper's incremental chain
// depends on. Grounded on internal/pruning/keep_grid.go's
// partition-then-fit shape (KeepGrid.KeepRule: split matching/
// non-matching, then run a grid), generalized from zrepl's
// interval-length grid config to this spec's named hourly/daily/
// weekly/monthly/yearly buckets plus mandatory chain protection for
// destinations (§4.F.3, not present in the teacher's grid pruner).
package retention

import (
	"time"

	"github.com/snapward/snapward/internal/snapshot"
)

// Policy is the per-bucket keep-count configuration (spec §4.F).
type Policy struct {
	MinAge  time.Duration
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
	Yearly  int
}

// Result is Evaluate's output: keep ∪ prune = all input snapshots,
// keep ∩ prune = ∅ (spec §4.F.4).
type Result struct {
	Keep  []snapshot.Snapshot
	Prune []snapshot.Snapshot
}

// bucket names a time-bucketing function and its keep-count.
type bucket struct {
	name     string
	count    int
	interval func(t time.Time, loc *time.Location) string
}

func hourlyInterval(t time.Time, loc *time.Location) string {
	t = t.In(loc)
	return t.Format("2006-01-02T15")
}

func dailyInterval(t time.Time, loc *time.Location) string {
	t = t.In(loc)
	return t.Format("2006-01-02")
}

func weeklyInterval(t time.Time, loc *time.Location) string {
	t = t.In(loc)
	y, w := t.ISOWeek()
	return time.Date(y, 1, 1, 0, 0, 0, 0, loc).Format("2006") + "-W" + itoa2(w)
}

func monthlyInterval(t time.Time, loc *time.Location) string {
	t = t.In(loc)
	return t.Format("2006-01")
}

func yearlyInterval(t time.Time, loc *time.Location) string {
	t = t.In(loc)
	return t.Format("2006")
}

func itoa2(n int) string {
	return string([]byte{byte('0' + (n/10)%10), byte('0' + n%10)})
}

// Evaluate partitions snaps (ascending by timestamp) into keep/prune
// per spec §4.F's algorithm. chainProtected, when true, additionally
// protects every ancestor (by parent_uuid) of a kept snapshot —
// mandatory for destinations, optional for sources.
func Evaluate(now time.Time, snaps []snapshot.Snapshot, policy Policy, chainProtected bool, loc *time.Location) Result {
	if loc == nil {
		loc = time.Local
	}

	keeper := make(map[int]struct{}, len(snaps))

	for i, s := range snaps {
		if now.Sub(s.Timestamp) < policy.MinAge {
			keeper[i] = struct{}{}
		}
	}

	buckets := []bucket{
		{"hourly", policy.Hourly, hourlyInterval},
		{"daily", policy.Daily, dailyInterval},
		{"weekly", policy.Weekly, weeklyInterval},
		{"monthly", policy.Monthly, monthlyInterval},
		{"yearly", policy.Yearly, yearlyInterval},
	}

	for _, b := range buckets {
		if b.count <= 0 {
			continue
		}
		electBucketKeepers(now, snaps, policy.MinAge, b, loc, keeper)
	}

	if chainProtected {
		protectAncestors(snaps, keeper)
	}

	result := Result{}
	for i, s := range snaps {
		if _, ok := keeper[i]; ok {
			result.Keep = append(result.Keep, s)
		} else {
			result.Prune = append(result.Prune, s)
		}
	}
	return result
}

// electBucketKeepers partitions snapshots older than minAge into
// b's interval buckets, then elects the earliest snapshot in each of
// the most recent b.count non-empty intervals.
func electBucketKeepers(now time.Time, snaps []snapshot.Snapshot, minAge time.Duration, b bucket, loc *time.Location, keeper map[int]struct{}) {
	type candidate struct {
		idx   int
		label string
	}
	var eligible []candidate
	for i, s := range snaps {
		if now.Sub(s.Timestamp) < minAge {
			continue
		}
		eligible = append(eligible, candidate{idx: i, label: b.interval(s.Timestamp, loc)})
	}

	// Group by label, tracking the earliest (lowest index, since snaps
	// is ascending) per label.
	earliestByLabel := make(map[string]int)
	var orderedLabels []string
	seen := make(map[string]bool)
	for _, c := range eligible {
		if _, ok := earliestByLabel[c.label]; !ok {
			earliestByLabel[c.label] = c.idx
		}
		if !seen[c.label] {
			seen[c.label] = true
			orderedLabels = append(orderedLabels, c.label)
		}
	}

	// orderedLabels is in ascending time order (since snaps is
	// ascending); take the most recent b.count of them.
	start := len(orderedLabels) - b.count
	if start < 0 {
		start = 0
	}
	for _, label := range orderedLabels[start:] {
		keeper[earliestByLabel[label]] = struct{}{}
	}
}

// protectAncestors walks each kept snapshot's parent_uuid chain within
// snaps and marks every ancestor it finds as kept too (spec §4.F.3).
func protectAncestors(snaps []snapshot.Snapshot, keeper map[int]struct{}) {
	byUUID := make(map[snapshot.UUID]int, len(snaps))
	for i, s := range snaps {
		byUUID[s.UUID] = i
	}

	initiallyKept := make([]int, 0, len(keeper))
	for i := range keeper {
		initiallyKept = append(initiallyKept, i)
	}

	for _, i := range initiallyKept {
		cur := snaps[i]
		for cur.ParentUUID != "" {
			parentIdx, ok := byUUID[cur.ParentUUID]
			if !ok {
				break // parent not present locally; chain ends here
			}
			if _, already := keeper[parentIdx]; already {
				break // already protected, and so is everything above it
			}
			keeper[parentIdx] = struct{}{}
			cur = snaps[parentIdx]
		}
	}
}
