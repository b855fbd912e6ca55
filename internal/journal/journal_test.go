package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func TestAppendAssignsIncrementingSequence(t *testing.T) {
	j, _ := openTest(t)

	require.NoError(t, j.Append(Entry{Action: "snapshot", Status: "ok"}))
	require.NoError(t, j.Append(Entry{Action: "transfer", Status: "ok"}))

	all, err := j.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(0), all[0].Sequence)
	assert.Equal(t, int64(1), all[1].Sequence)
	assert.False(t, all[0].TimestampUTC.IsZero())
}

func TestOpenResumesSequenceAcrossReopen(t *testing.T) {
	j, path := openTest(t)
	require.NoError(t, j.Append(Entry{Action: "snapshot", Status: "ok"}))
	require.NoError(t, j.Append(Entry{Action: "snapshot", Status: "ok"}))
	require.NoError(t, j.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()
	require.NoError(t, j2.Append(Entry{Action: "prune", Status: "ok"}))

	all, err := j2.All()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(2), all[2].Sequence)
}

func TestRecordAdaptsToEntry(t *testing.T) {
	j, _ := openTest(t)
	require.NoError(t, j.Record(context.Background(), "transfer", "ok", 4096, 2*time.Second, "", ""))

	all, err := j.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "transfer", all[0].Action)
	assert.Equal(t, int64(4096), all[0].BytesTransferred)
	assert.Equal(t, int64(2000), all[0].DurationMS)
}

func TestTailReturnsLastNOldestFirst(t *testing.T) {
	j, _ := openTest(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, j.Append(Entry{Action: "snapshot", Status: "ok"}))
	}

	tail, err := j.Tail(2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(3), tail[0].Sequence)
	assert.Equal(t, int64(4), tail[1].Sequence)
}

func TestTailWithLongLines(t *testing.T) {
	j, _ := openTest(t)
	pad := make([]byte, 200)
	for i := range pad {
		pad[i] = 'x'
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, j.Append(Entry{Action: "transfer", Status: "ok", ErrorDetail: string(pad)}))
	}

	tail, err := j.Tail(3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, int64(7), tail[0].Sequence)
	assert.Equal(t, int64(9), tail[2].Sequence)
}

func TestTailOnMissingFile(t *testing.T) {
	entries, err := readTail(filepath.Join(t.TempDir(), "missing.log"), 5)
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestAllOnEmptyJournal(t *testing.T) {
	j, _ := openTest(t)
	all, err := j.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSummarize(t *testing.T) {
	entries := []Entry{
		{Status: "ok", BytesTransferred: 100, DurationMS: 10},
		{Status: "ok", BytesTransferred: 200, DurationMS: 20},
		{Status: "failed", BytesTransferred: 0, DurationMS: 5},
		{Status: "partial", BytesTransferred: 50, DurationMS: 15},
	}
	summary, err := Summarize(entries)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Count)
	assert.Equal(t, 2, summary.OKCount)
	assert.Equal(t, 1, summary.PartialCount)
	assert.Equal(t, 1, summary.FailedCount)
	assert.InDelta(t, 87.5, summary.MeanBytes, 0.01)
}

func TestSummarizeEmpty(t *testing.T) {
	summary, err := Summarize(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Count)
}
