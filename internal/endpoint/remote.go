package endpoint

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/snapward/snapward/internal/logging"
	"github.com/snapward/snapward/internal/snapshot"
	"github.com/snapward/snapward/internal/transport"
)

// RemoteEndpoint is the same capability set as LocalEndpoint, but every
// btrfs invocation is carried over a transport.Transport instead of a
// direct os/exec call — the "resolve subvolume details, then act" shape
// follows tinyzimmer-btrsync's SyncManager, retargeted from a
// local-only sync loop onto an arbitrary remote command channel.
type RemoteEndpoint struct {
	Transport        transport.Transport
	SnapshotDir      string
	ConvertReadWrite bool
}

func NewRemoteEndpoint(t transport.Transport, snapshotDir string) *RemoteEndpoint {
	return &RemoteEndpoint{Transport: t, SnapshotDir: snapshotDir}
}

func (e *RemoteEndpoint) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	argv := append([]string{BtrfsBin}, args...)
	status, err := e.Transport.Exec(ctx, argv, nil, &stdout, &stderr)
	if err != nil {
		return nil, newError(ErrIO, op, "", err)
	}
	if !status.Success() {
		return nil, newError(ErrIO, op, "", fmt.Errorf("exit status %d: %s", status.Code, strings.TrimSpace(stderr.String())))
	}
	return stdout.Bytes(), nil
}

// listRemoteDir runs a minimal `find` to enumerate immediate children
// of dir, since the remote side has no os.ReadDir available to us.
func (e *RemoteEndpoint) listRemoteDir(ctx context.Context, dir string) ([]string, error) {
	var stdout, stderr bytes.Buffer
	status, err := e.Transport.Exec(ctx, []string{"find", dir, "-mindepth", "1", "-maxdepth", "1", "-printf", "%f\\n"}, nil, &stdout, &stderr)
	if err != nil {
		return nil, newError(ErrEnumeration, "list_snapshots", dir, err)
	}
	if !status.Success() {
		return nil, newError(ErrEnumeration, "list_snapshots", dir, fmt.Errorf("exit status %d: %s", status.Code, strings.TrimSpace(stderr.String())))
	}
	var names []string
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (e *RemoteEndpoint) ListSnapshots(ctx context.Context, prefix string) ([]snapshot.Snapshot, error) {
	log := logging.GetLogger(ctx, logging.SubsysEndpoint)
	names, err := e.listRemoteDir(ctx, e.SnapshotDir)
	if err != nil {
		return nil, err
	}

	namer, err := snapshot.NewNamer(prefix, snapshot.DefaultFormat)
	if err != nil {
		return nil, err
	}

	var out []snapshot.Snapshot
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		ts, ok := namer.Parse(name)
		if !ok {
			log.Debug("skipping unparseable remote snapshot name", "name", name)
			continue
		}
		path := filepath.Join(e.SnapshotDir, name)
		info, err := e.SubvolumeShow(ctx, path)
		if err != nil {
			return nil, err
		}
		out = append(out, snapshot.Snapshot{
			Name:         name,
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

func (e *RemoteEndpoint) CreateSnapshot(ctx context.Context, volumePath string, namer *snapshot.Namer) (snapshot.Snapshot, error) {
	names, err := e.listRemoteDir(ctx, e.SnapshotDir)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	existing := make(map[string]struct{}, len(names))
	for _, n := range names {
		existing[n] = struct{}{}
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
	return snapshot.Snapshot{Name: name, Path: dest, Timestamp: now, UUID: info.UUID}, nil
}

func (e *RemoteEndpoint) DestroySnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	if !strings.Contains(snap.Path, "/") {
		return newError(ErrIO, "destroy_snapshot", snap.Path, errors.New("sanity check failed: path has no directory component"))
	}
	if status, err := e.Transport.Exec(ctx, []string{"test", "-e", snap.Path}, nil, io.Discard, io.Discard); err == nil && !status.Success() {
		return nil // idempotent on "already gone"
	}
	if e.ConvertReadWrite {
		if _, err := e.run(ctx, "destroy_snapshot", "property", "set", "-ts", snap.Path, "ro", "false"); err != nil {
			return err
		}
	}
	_, err := e.run(ctx, "destroy_snapshot", "subvolume", "delete", snap.Path)
	return err
}

// CleanupPartialReceive deletes the subvolume a failed receive would
// have left at destPath/snapName. A path that a remote `test -e`
// reports as absent is not an error.
func (e *RemoteEndpoint) CleanupPartialReceive(ctx context.Context, destPath string, snapName string) error {
	path := filepath.Join(destPath, snapName)
	if status, err := e.Transport.Exec(ctx, []string{"test", "-e", path}, nil, io.Discard, io.Discard); err == nil && !status.Success() {
		return nil
	}
	if e.ConvertReadWrite {
		_, _ = e.run(ctx, "cleanup_partial_receive", "property", "set", "-ts", path, "ro", "false")
	}
	_, err := e.run(ctx, "cleanup_partial_receive", "subvolume", "delete", path)
	return err
}

func (e *RemoteEndpoint) OpenSendStream(ctx context.Context, snap snapshot.Snapshot, parent *snapshot.Snapshot) (ByteSource, error) {
	args := []string{"send"}
	if parent != nil {
		args = append(args, "-p", parent.Path)
	}
	args = append(args, snap.Path)
	argv := append([]string{BtrfsBin}, args...)

	pr, pw := io.Pipe()
	var stderr bytes.Buffer
	go func() {
		status, err := e.Transport.Exec(ctx, argv, nil, pw, &stderr)
		if err == nil && !status.Success() {
			err = fmt.Errorf("exit status %d: %s", status.Code, strings.TrimSpace(stderr.String()))
		}
		_ = pw.CloseWithError(err)
	}()
	return pr, nil
}

func (e *RemoteEndpoint) OpenReceiveStream(ctx context.Context, destDir string) (ByteSink, error) {
	if err := e.EnsureDirectory(ctx, destDir); err != nil {
		return nil, err
	}
	argv := []string{BtrfsBin, "receive", destDir}
	pr, pw := io.Pipe()
	var stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		status, err := e.Transport.Exec(ctx, argv, pr, io.Discard, &stderr)
		if err == nil && !status.Success() {
			err = fmt.Errorf("exit status %d: %s", status.Code, strings.TrimSpace(stderr.String()))
		}
		done <- err
	}()
	return &pipeWriteCloser{pw: pw, pr: pr, done: done, op: "open_receive_stream", path: destDir}, nil
}

type pipeWriteCloser struct {
	pw   *io.PipeWriter
	pr   *io.PipeReader
	done chan error
	op   string
	path string
}

func (p *pipeWriteCloser) Write(b []byte) (int, error) { return p.pw.Write(b) }

func (p *pipeWriteCloser) Close() error {
	_ = p.pw.Close()
	err := <-p.done
	if err != nil {
		return newError(ErrReceive, p.op, p.path, err)
	}
	return nil
}

func (e *RemoteEndpoint) SubvolumeShow(ctx context.Context, path string) (SubvolumeInfo, error) {
	out, err := e.run(ctx, "subvolume_show", "subvolume", "show", path)
	if err != nil {
		return SubvolumeInfo{}, err
	}
	return parseSubvolumeShow(out), nil
}

func (e *RemoteEndpoint) FreeBytes(ctx context.Context, path string) (FreeBytes, error) {
	var stdout, stderr bytes.Buffer
	status, err := e.Transport.Exec(ctx, []string{"df", "-P", "-B1", path}, nil, &stdout, &stderr)
	if err != nil {
		return FreeBytes{}, newError(ErrIO, "free_bytes", path, err)
	}
	if !status.Success() {
		return FreeBytes{}, newError(ErrIO, "free_bytes", path, fmt.Errorf("exit status %d: %s", status.Code, strings.TrimSpace(stderr.String())))
	}
	return parseDFOutput(stdout.Bytes())
}

// parseDFOutput reads the second line of `df -P -B1`'s output, whose
// fourth whitespace-separated field is available bytes.
func parseDFOutput(out []byte) (FreeBytes, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return FreeBytes{}, errors.New("unexpected df output")
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 4 {
		return FreeBytes{}, errors.New("unexpected df output")
	}
	var free uint64
	if _, err := fmt.Sscanf(fields[3], "%d", &free); err != nil {
		return FreeBytes{}, err
	}
	return FreeBytes{FilesystemFree: free}, nil
}

func (e *RemoteEndpoint) EnsureDirectory(ctx context.Context, path string) error {
	var stdout, stderr bytes.Buffer
	status, err := e.Transport.Exec(ctx, []string{"mkdir", "-p", path}, nil, &stdout, &stderr)
	if err != nil {
		return newError(ErrIO, "ensure_directory", path, err)
	}
	if !status.Success() {
		return newError(ErrIO, "ensure_directory", path, fmt.Errorf("exit status %d: %s", status.Code, strings.TrimSpace(stderr.String())))
	}
	return nil
}

func (e *RemoteEndpoint) RequireMounted(ctx context.Context, path string) error {
	var stdout, stderr bytes.Buffer
	status, err := e.Transport.Exec(ctx, []string{"mountpoint", "-q", path}, nil, &stdout, &stderr)
	if err != nil {
		return newError(ErrIO, "require_mounted", path, err)
	}
	if !status.Success() {
		return newError(ErrNotMounted, "require_mounted", path, errors.New("path is not a mount point"))
	}
	return nil
}
