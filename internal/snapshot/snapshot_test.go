package snapshot_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapward/snapward/internal/snapshot"
)

func TestParseFormatDefault(t *testing.T) {
	f, err := snapshot.ParseFormat("%Y%m%d-%H%M%S")
	require.NoError(t, err)
	assert.Equal(t, "20060102-150405", f.Layout)
}

func TestParseFormatRejectsUnknownDirective(t *testing.T) {
	_, err := snapshot.ParseFormat("%Q")
	require.Error(t, err)
}

func TestNamerRoundTrip(t *testing.T) {
	namer, err := snapshot.NewNamer("home-", snapshot.DefaultFormat)
	require.NoError(t, err)

	when := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	name := namer.Name(when)
	assert.Equal(t, "home-20260101-000000", name)

	got, ok := namer.Parse(name)
	require.True(t, ok)
	assert.True(t, got.Equal(when))
}

func TestNamerRejectsForeignPrefix(t *testing.T) {
	namer, err := snapshot.NewNamer("home-", snapshot.DefaultFormat)
	require.NoError(t, err)
	_, ok := namer.Parse("root-20260101-000000")
	assert.False(t, ok)
}

func TestNamerRejectsUnparseableSuffix(t *testing.T) {
	namer, err := snapshot.NewNamer("home-", snapshot.DefaultFormat)
	require.NoError(t, err)
	_, ok := namer.Parse("home-not-a-timestamp")
	assert.False(t, ok)
}

func TestNextAvailableNameAppliesMonotonicSuffix(t *testing.T) {
	namer, err := snapshot.NewNamer("home-", snapshot.DefaultFormat)
	require.NoError(t, err)

	when := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	base := namer.Name(when)

	existing := map[string]struct{}{base: {}}
	first := namer.NextAvailableName(when, existing)
	assert.Equal(t, base+"-1", first)

	existing[first] = struct{}{}
	second := namer.NextAvailableName(when, existing)
	assert.Equal(t, base+"-2", second)
}

func TestNextAvailableNameNoCollision(t *testing.T) {
	namer, err := snapshot.NewNamer("home-", snapshot.DefaultFormat)
	require.NoError(t, err)
	when := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, namer.Name(when), namer.NextAvailableName(when, nil))
}

func TestSortAscendingBreaksTiesByName(t *testing.T) {
	same := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snaps := []snapshot.Snapshot{
		{Name: "home-b", Timestamp: same},
		{Name: "home-a", Timestamp: same},
		{Name: "home-z", Timestamp: same.Add(-time.Hour)},
	}
	snapshot.SortAscending(snaps)
	require.Len(t, snaps, 3)
	assert.Equal(t, "home-z", snaps[0].Name)
	assert.Equal(t, "home-a", snaps[1].Name)
	assert.Equal(t, "home-b", snaps[2].Name)
}

func TestIsIncremental(t *testing.T) {
	full := snapshot.Snapshot{}
	incr := snapshot.Snapshot{ParentUUID: "abc"}
	assert.False(t, full.IsIncremental())
	assert.True(t, incr.IsIncremental())
}
