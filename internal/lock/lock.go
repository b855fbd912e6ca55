// Package lock implements the file-based session lock of spec §4.H:
// exclusive create, liveness-checked staleness recovery, and release by
// unlink. Grounded on the teacher's habit of shelling out for
// filesystem-level guarantees rather than an in-process mutex (the
// lock must be visible across processes), with liveness implemented
// via golang.org/x/sys/unix the same way internal/endpoint/mount.go
// uses it for statfs.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/snapward/snapward/internal/logging"
)

// Lock is the metadata recorded in a lock file (spec §3
// `lock.Lock{OwnerPID, Host, StartedAt, OpKind, SessionID}`).
type Lock struct {
	OwnerPID  int       `json:"owner_pid"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
	OpKind    string    `json:"op_kind"`
	SessionID string    `json:"session_id"`
}

// HeldError is returned when a lock is held by a live owner (spec
// §4.H: "fail with LockHeld{owner}").
type HeldError struct {
	Key   string
	Owner Lock
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock: %s held by pid %d on %s since %s", e.Key, e.Owner.OwnerPID, e.Owner.Host, e.Owner.StartedAt.Format(time.RFC3339))
}

// Manager issues and releases locks under Dir, one file per key.
type Manager struct {
	Dir      string
	Hostname string
	OpKind   string

	mu sync.Mutex
}

func NewManager(dir, opKind string) (*Manager, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	return &Manager{Dir: dir, Hostname: host, OpKind: opKind}, nil
}

func (m *Manager) pathFor(key string) string {
	return filepath.Join(m.Dir, sanitizeKey(key)+".lock")
}

// sanitizeKey replaces path separators so a composite key like
// "dest#snapshot-name" is safe as a single filename component.
func sanitizeKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		if r == '/' || r == filepath.Separator {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// Acquire implements pipeline.Locker: exclusive open-create; on EEXIST,
// read the existing lock, check liveness, break it if stale, and retry
// once. Returns a release function that unlinks the file.
func (m *Manager) Acquire(ctx context.Context, key string) (func(), error) {
	log := logging.GetLogger(ctx, logging.SubsysLock)
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return nil, err
	}
	path := m.pathFor(key)

	mine := Lock{
		OwnerPID:  os.Getpid(),
		Host:      m.Hostname,
		StartedAt: time.Now(),
		OpKind:    m.OpKind,
		SessionID: uuid.NewString(),
	}

	if err := m.tryCreate(path, mine); err == nil {
		return m.releaseFunc(path), nil
	} else if !errors.Is(err, os.ErrExist) {
		return nil, err
	}

	existing, readErr := readLock(path)
	if readErr != nil {
		// Unreadable/corrupt lock file: treat as stale, same as a gone
		// owner, and attempt to break it.
		log.Warn("lock file unreadable, treating as stale", "path", path, "error", readErr.Error())
	} else if existing.Host == m.Hostname && processAlive(existing.OwnerPID) {
		return nil, &HeldError{Key: key, Owner: existing}
	} else if existing.Host != m.Hostname {
		return nil, &HeldError{Key: key, Owner: existing}
	}

	log.Warn("breaking stale lock", "path", path, "previous_owner_pid", existing.OwnerPID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := m.tryCreate(path, mine); err != nil {
		return nil, err
	}
	return m.releaseFunc(path), nil
}

func (m *Manager) tryCreate(path string, l Lock) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	return enc.Encode(l)
}

func (m *Manager) releaseFunc(path string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = os.Remove(path)
		})
	}
}

func readLock(path string) (Lock, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Lock{}, err
	}
	var l Lock
	if err := json.Unmarshal(buf, &l); err != nil {
		return Lock{}, err
	}
	return l, nil
}

// processAlive reports whether pid names a live process on this host,
// using the kill(pid, 0) liveness idiom spec §4.H names explicitly.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}

// List returns the metadata of every currently held lock under Dir,
// for an external "list locks" maintenance surface (spec §4.H: "the
// manager publishes enough metadata for them").
func (m *Manager) List() (map[string]Lock, error) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make(map[string]Lock)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lock" {
			continue
		}
		l, err := readLock(filepath.Join(m.Dir, e.Name()))
		if err != nil {
			continue
		}
		out[strimExt(e.Name())] = l
	}
	return out, nil
}

func strimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// Break forcibly removes a named lock regardless of liveness, for the
// external "break named lock" maintenance operation (spec §4.H).
func (m *Manager) Break(key string) error {
	return os.Remove(m.pathFor(key))
}
