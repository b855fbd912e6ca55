package lock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), "test")
	require.NoError(t, err)
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(t)
	release, err := m.Acquire(context.Background(), "vol#a")
	require.NoError(t, err)
	require.NotNil(t, release)

	_, statErr := os.Stat(m.pathFor("vol#a"))
	assert.NoError(t, statErr, "lock file must exist while held")

	release()
	_, statErr = os.Stat(m.pathFor("vol#a"))
	assert.True(t, os.IsNotExist(statErr), "lock file must be gone after release")
}

func TestAcquireMutualExclusion(t *testing.T) {
	m := newTestManager(t)
	release, err := m.Acquire(context.Background(), "vol#a")
	require.NoError(t, err)
	defer release()

	_, err = m.Acquire(context.Background(), "vol#a")
	require.Error(t, err)
	var held *HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, os.Getpid(), held.Owner.OwnerPID)
}

func TestAcquireDifferentKeysDoNotConflict(t *testing.T) {
	m := newTestManager(t)
	releaseA, err := m.Acquire(context.Background(), "vol#a")
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := m.Acquire(context.Background(), "vol#b")
	require.NoError(t, err)
	defer releaseB()
}

func TestAcquireBreaksStaleLock(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(m.Dir, 0o755))

	stale := Lock{
		OwnerPID:  1 << 30, // astronomically unlikely to be a live pid
		Host:      m.Hostname,
		StartedAt: time.Now().Add(-time.Hour),
		OpKind:    "test",
		SessionID: "stale-session",
	}
	path := m.pathFor("vol#a")
	buf, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	release, err := m.Acquire(context.Background(), "vol#a")
	require.NoError(t, err, "a lock held by a dead pid on this host must be broken, not block")
	defer release()

	held, err := readLock(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), held.OwnerPID)
}

func TestAcquireRejectsLockHeldOnAnotherHost(t *testing.T) {
	m := newTestManager(t)
	other := Lock{
		OwnerPID:  os.Getpid(),
		Host:      m.Hostname + "-other",
		StartedAt: time.Now(),
		OpKind:    "test",
	}
	path := m.pathFor("vol#a")
	buf, err := json.Marshal(other)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	_, err = m.Acquire(context.Background(), "vol#a")
	require.Error(t, err)
	var held *HeldError
	require.ErrorAs(t, err, &held)
}

func TestList(t *testing.T) {
	m := newTestManager(t)
	release, err := m.Acquire(context.Background(), "vol#a")
	require.NoError(t, err)
	defer release()

	locks, err := m.List()
	require.NoError(t, err)
	require.Contains(t, locks, "vol#a")
	assert.Equal(t, os.Getpid(), locks["vol#a"].OwnerPID)
}

func TestBreak(t *testing.T) {
	m := newTestManager(t)
	release, err := m.Acquire(context.Background(), "vol#a")
	require.NoError(t, err)
	defer func() {
		// release is harmless after Break already removed the file, since
		// releaseFunc ignores the error os.Remove returns for a missing path.
		release()
	}()

	require.NoError(t, m.Break("vol#a"))
	_, statErr := os.Stat(filepath.Join(m.Dir, "vol#a.lock"))
	assert.True(t, os.IsNotExist(statErr))
}
