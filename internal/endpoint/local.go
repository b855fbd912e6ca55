package endpoint

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/snapward/snapward/internal/logging"
	"github.com/snapward/snapward/internal/snapshot"
)

// BtrfsBin is the name or path of the btrfs binary, overridable for
// tests the same way the teacher's ZfsBin package variable is.
var BtrfsBin = "btrfs"

// LocalEndpoint operates directly on the local filesystem by shelling
// out to the btrfs CLI, mirroring how the teacher's internal/zfs package
// shells out to the zfs CLI rather than binding to a library.
type LocalEndpoint struct {
	// SnapshotDir is the directory (absolute, or resolved relative to a
	// volume's path by the caller) snapshots are listed/created under.
	SnapshotDir string
	// ConvertReadWrite, if set, makes a snapshot read-write before
	// deleting it (spec §4.C); otherwise deletion is attempted directly.
	ConvertReadWrite bool
	// Elevate prepends "sudo" to mutating commands when set.
	Elevate bool
}

func NewLocalEndpoint(snapshotDir string) *LocalEndpoint {
	return &LocalEndpoint{SnapshotDir: snapshotDir}
}

func (e *LocalEndpoint) argv(args ...string) []string {
	if e.Elevate {
		return append([]string{BtrfsBin}, args...)
	}
	return args
}

func (e *LocalEndpoint) command(ctx context.Context, args ...string) *exec.Cmd {
	if e.Elevate {
		return exec.CommandContext(ctx, "sudo", e.argv(args...)...)
	}
	return exec.CommandContext(ctx, BtrfsBin, args...)
}

func (e *LocalEndpoint) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	cmd := e.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, newError(ErrIO, op, "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}
	return stdout.Bytes(), nil
}

func (e *LocalEndpoint) ListSnapshots(ctx context.Context, prefix string) ([]snapshot.Snapshot, error) {
	log := logging.GetLogger(ctx, logging.SubsysEndpoint)
	entries, err := os.ReadDir(e.SnapshotDir)
	if err != nil {
		return nil, newError(ErrEnumeration, "list_snapshots", e.SnapshotDir, err)
	}

	namer, err := snapshot.NewNamer(prefix, snapshot.DefaultFormat)
	if err != nil {
		return nil, err
	}

	var out []snapshot.Snapshot
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		ts, ok := namer.Parse(entry.Name())
		if !ok {
			log.Debug("skipping unparseable snapshot name", "name", entry.Name())
			continue
		}
		path := filepath.Join(e.SnapshotDir, entry.Name())
		info, err := e.SubvolumeShow(ctx, path)
		if err != nil {
			return nil, err
		}
		out = append(out, snapshot.Snapshot{
			Name:         entry.Name(),
			Path:         path,
			Timestamp:    ts,
			UUID:         info.UUID,
			ReceivedUUID: info.ReceivedUUID,
			ParentUUID:   info.ParentUUID,
		})
	}
	snapshot.SortAscending(out)
	return out, nil
}

func (e *LocalEndpoint) CreateSnapshot(ctx context.Context, volumePath string, namer *snapshot.Namer) (snapshot.Snapshot, error) {
	entries, err := os.ReadDir(e.SnapshotDir)
	if err != nil && !os.IsNotExist(err) {
		return snapshot.Snapshot{}, newError(ErrEnumeration, "create_snapshot", e.SnapshotDir, err)
	}
	existing := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		existing[entry.Name()] = struct{}{}
	}

	now := nowFunc()
	name := namer.NextAvailableName(now, existing)
	dest := filepath.Join(e.SnapshotDir, name)

	if _, err := e.run(ctx, "create_snapshot", "subvolume", "snapshot", "-r", volumePath, dest); err != nil {
		return snapshot.Snapshot{}, err
	}

	info, err := e.SubvolumeShow(ctx, dest)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return snapshot.Snapshot{
		Name:      name,
		Path:      dest,
		Timestamp: now,
		UUID:      info.UUID,
	}, nil
}

func (e *LocalEndpoint) DestroySnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	if !strings.Contains(snap.Path, string(filepath.Separator)) {
		return newError(ErrIO, "destroy_snapshot", snap.Path, errors.New("sanity check failed: path has no directory component"))
	}
	if _, err := os.Stat(snap.Path); os.IsNotExist(err) {
		return nil // idempotent on "already gone"
	}
	if e.ConvertReadWrite {
		if _, err := e.run(ctx, "destroy_snapshot", "property", "set", "-ts", snap.Path, "ro", "false"); err != nil {
			return err
		}
	}
	if _, err := e.run(ctx, "destroy_snapshot", "subvolume", "delete", snap.Path); err != nil {
		if _, statErr := os.Stat(snap.Path); os.IsNotExist(statErr) {
			return nil
		}
		return err
	}
	return nil
}

// CleanupPartialReceive deletes the subvolume a failed receive would
// have left at destPath/snapName, since btrfs receive materializes the
// stream under the name it carries rather than a name we choose. Not
// found is not an error.
func (e *LocalEndpoint) CleanupPartialReceive(ctx context.Context, destPath string, snapName string) error {
	path := filepath.Join(destPath, snapName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if e.ConvertReadWrite {
		_, _ = e.run(ctx, "cleanup_partial_receive", "property", "set", "-ts", path, "ro", "false")
	}
	if _, err := e.run(ctx, "cleanup_partial_receive", "subvolume", "delete", path); err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return nil
		}
		return err
	}
	return nil
}

func (e *LocalEndpoint) OpenSendStream(ctx context.Context, snap snapshot.Snapshot, parent *snapshot.Snapshot) (ByteSource, error) {
	args := []string{"send"}
	if parent != nil {
		args = append(args, "-p", parent.Path)
	}
	args = append(args, snap.Path)

	cmd := exec.CommandContext(ctx, BtrfsBin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, newError(ErrSend, "open_send_stream", snap.Path, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, newError(ErrSend, "open_send_stream", snap.Path, err)
	}
	return &cmdReadCloser{cmd: cmd, stdout: stdout, stderr: &stderr, op: "open_send_stream", path: snap.Path}, nil
}

func (e *LocalEndpoint) OpenReceiveStream(ctx context.Context, destDir string) (ByteSink, error) {
	if err := e.EnsureDirectory(ctx, destDir); err != nil {
		return nil, err
	}
	cmd := e.command(ctx, "receive", destDir)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, newError(ErrReceive, "open_receive_stream", destDir, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, newError(ErrReceive, "open_receive_stream", destDir, err)
	}
	return &cmdWriteCloser{cmd: cmd, stdin: stdin, stderr: &stderr, op: "open_receive_stream", path: destDir}, nil
}

func (e *LocalEndpoint) SubvolumeShow(ctx context.Context, path string) (SubvolumeInfo, error) {
	out, err := e.run(ctx, "subvolume_show", "subvolume", "show", path)
	if err != nil {
		return SubvolumeInfo{}, err
	}
	return parseSubvolumeShow(out), nil
}

func (e *LocalEndpoint) FreeBytes(ctx context.Context, path string) (FreeBytes, error) {
	return statfsFree(path)
}

// EstimateSendSize runs `btrfs send --no-data` and counts the header
// bytes it emits, giving the transfer pipeline's pre-flight space check
// (spec §4.D step 1) a cheap, best-effort estimate without materializing
// the real stream. It implements the optional
// pipeline.SendSizeEstimator capability.
func (e *LocalEndpoint) EstimateSendSize(ctx context.Context, snap snapshot.Snapshot, parent *snapshot.Snapshot) (int64, error) {
	args := []string{"send", "--no-data"}
	if parent != nil {
		args = append(args, "-p", parent.Path)
	}
	args = append(args, snap.Path)

	cmd := e.command(ctx, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, newError(ErrSend, "estimate_send_size", snap.Path, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return 0, newError(ErrSend, "estimate_send_size", snap.Path, err)
	}
	n, copyErr := io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	if waitErr != nil {
		return 0, newError(ErrSend, "estimate_send_size", snap.Path, fmt.Errorf("%w: %s", waitErr, strings.TrimSpace(stderr.String())))
	}
	if copyErr != nil {
		return 0, newError(ErrSend, "estimate_send_size", snap.Path, copyErr)
	}
	return n, nil
}

func (e *LocalEndpoint) EnsureDirectory(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil // idempotent
	}
	if e.Elevate {
		cmd := exec.CommandContext(ctx, "sudo", "mkdir", "-p", path)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return newError(ErrIO, "ensure_directory", path, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
		}
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return newError(ErrIO, "ensure_directory", path, err)
	}
	return nil
}

func (e *LocalEndpoint) RequireMounted(ctx context.Context, path string) error {
	mounted, err := isMountPoint(path)
	if err != nil {
		return newError(ErrIO, "require_mounted", path, err)
	}
	if !mounted {
		return newError(ErrNotMounted, "require_mounted", path, errors.New("path is not a mount point"))
	}
	return nil
}

// parseSubvolumeShow extracts uuid/received-uuid/parent-uuid/readonly
// fields from `btrfs subvolume show` output, which is a simple
// "Key:<tabs/spaces>Value" listing.
func parseSubvolumeShow(out []byte) SubvolumeInfo {
	var info SubvolumeInfo
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "UUID":
			info.UUID = snapshot.UUID(value)
		case "Received UUID":
			if value != "-" {
				info.ReceivedUUID = snapshot.UUID(value)
			}
		case "Parent UUID":
			if value != "-" {
				info.ParentUUID = snapshot.UUID(value)
			}
		case "Flags":
			info.ReadOnly = strings.Contains(value, "readonly")
		}
	}
	return info
}

type cmdReadCloser struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	op     string
	path   string
}

func (c *cmdReadCloser) Read(p []byte) (int, error) { return c.stdout.Read(p) }

func (c *cmdReadCloser) Close() error {
	_ = c.stdout.Close()
	if err := c.cmd.Wait(); err != nil {
		return newError(ErrSend, c.op, c.path, fmt.Errorf("%w: %s", err, strings.TrimSpace(c.stderr.String())))
	}
	return nil
}

type cmdWriteCloser struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	op     string
	path   string
}

func (c *cmdWriteCloser) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *cmdWriteCloser) Close() error {
	closeErr := c.stdin.Close()
	waitErr := c.cmd.Wait()
	if waitErr != nil {
		return newError(ErrReceive, c.op, c.path, fmt.Errorf("%w: %s", waitErr, strings.TrimSpace(c.stderr.String())))
	}
	if closeErr != nil {
		return newError(ErrReceive, c.op, c.path, closeErr)
	}
	return nil
}

// nowFunc is overridable in tests that need deterministic snapshot
// timestamps.
var nowFunc = time.Now

type snapWrap struct{ s snapshot.Snapshot }

func (w snapWrap) SnapshotPath() string { return w.s.Path }

// DestroySnapshots destroys snaps, batching into as few `btrfs subvolume
// delete` invocations as the argument-list size allows (see DestroyMany).
func (e *LocalEndpoint) DestroySnapshots(ctx context.Context, snaps []snapshot.Snapshot) []error {
	wrapped := make([]snapshotPather, len(snaps))
	for i, s := range snaps {
		wrapped[i] = snapWrap{s}
	}
	destroyOne := func(ctx context.Context, sp snapshotPather) error {
		return e.DestroySnapshot(ctx, sp.(snapWrap).s)
	}
	destroyBatch := func(ctx context.Context, sps []snapshotPather) error {
		args := make([]string, 0, len(sps)+2)
		args = append(args, "subvolume", "delete")
		for _, sp := range sps {
			args = append(args, sp.SnapshotPath())
		}
		_, err := e.run(ctx, "destroy_snapshots_batch", args...)
		return err
	}
	return DestroyMany(ctx, wrapped, destroyOne, destroyBatch)
}
