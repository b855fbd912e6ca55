package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/snapward/snapward/internal/snapshot"
)

// RawMeta is the mandatory sidecar document accompanying a raw stream
// file, holding everything retention and restore need without
// re-deriving it from the filesystem (spec §6 "Raw file format").
type RawMeta struct {
	UUID         snapshot.UUID `json:"uuid"`
	ReceivedUUID snapshot.UUID `json:"received_uuid"`
	ParentUUID   snapshot.UUID `json:"parent_uuid,omitempty"`
	Compression  string        `json:"compression,omitempty"`
	Encryption   string        `json:"encryption,omitempty"`
	Bytes        int64         `json:"bytes"`
	CreatedAt    time.Time     `json:"created_at"`
}

// RawFileEndpoint stores snapshots as `<prefix><timestamp>.btrfs[.ext]`
// stream files plus a `.meta` sidecar, relaxing the "destination is the
// same filesystem type" invariant (spec §6) at the cost of not
// materializing a real subvolume. Grounded on the sidecar-metadata idea
// in tinyzimmer-btrsync's received-uuid bookkeeping, expressed here as
// its own small JSON document since there is no existing wire format
// for it in the retrieval pack.
type RawFileEndpoint struct {
	Dir              string
	CompressExt      string // e.g. "zst", "" for none
	EncryptExt       string // e.g. "gpg", "" for none
	CompressionLabel string
	EncryptionLabel  string
}

func NewRawFileEndpoint(dir string) *RawFileEndpoint {
	return &RawFileEndpoint{Dir: dir}
}

func (e *RawFileEndpoint) streamSuffix() string {
	suffix := ".btrfs"
	if e.CompressExt != "" {
		suffix += "." + e.CompressExt
	}
	if e.EncryptExt != "" {
		suffix += "." + e.EncryptExt
	}
	return suffix
}

func (e *RawFileEndpoint) streamPath(name string) string {
	return filepath.Join(e.Dir, name+e.streamSuffix())
}

func (e *RawFileEndpoint) metaPath(name string) string {
	return filepath.Join(e.Dir, name+".meta")
}

func (e *RawFileEndpoint) ListSnapshots(ctx context.Context, prefix string) ([]snapshot.Snapshot, error) {
	entries, err := os.ReadDir(e.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newError(ErrEnumeration, "list_snapshots", e.Dir, err)
	}

	namer, err := snapshot.NewNamer(prefix, snapshot.DefaultFormat)
	if err != nil {
		return nil, err
	}

	var out []snapshot.Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta") {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), ".meta")
		if !strings.HasPrefix(base, prefix) {
			continue
		}
		ts, ok := namer.Parse(base)
		if !ok {
			continue
		}
		meta, err := e.readMeta(base)
		if err != nil {
			return nil, err
		}
		out = append(out, snapshot.Snapshot{
			Name:         base,
			Path:         e.streamPath(base),
			Timestamp:    ts,
			UUID:         meta.UUID,
			ReceivedUUID: meta.ReceivedUUID,
			ParentUUID:   meta.ParentUUID,
		})
	}
	snapshot.SortAscending(out)
	return out, nil
}

// CreateSnapshot is not meaningful for a raw destination: raw endpoints
// only ever receive streams produced elsewhere (spec §6 — a raw
// destination never originates a send).
func (e *RawFileEndpoint) CreateSnapshot(ctx context.Context, volumePath string, namer *snapshot.Namer) (snapshot.Snapshot, error) {
	return snapshot.Snapshot{}, newError(ErrUnknown, "create_snapshot", volumePath, errors.New("raw endpoints cannot originate a snapshot"))
}

func (e *RawFileEndpoint) DestroySnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	streamPath := e.streamPath(snap.Name)
	metaPath := e.metaPath(snap.Name)
	if err := os.Remove(streamPath); err != nil && !os.IsNotExist(err) {
		return newError(ErrIO, "destroy_snapshot", streamPath, err)
	}
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return newError(ErrIO, "destroy_snapshot", metaPath, err)
	}
	return nil
}

// OpenSendStream replays a previously received raw stream file back out
// byte-for-byte, for the restore path.
func (e *RawFileEndpoint) OpenSendStream(ctx context.Context, snap snapshot.Snapshot, parent *snapshot.Snapshot) (ByteSource, error) {
	f, err := os.Open(e.streamPath(snap.Name))
	if err != nil {
		return nil, newError(ErrSend, "open_send_stream", snap.Name, err)
	}
	return f, nil
}

// OpenReceiveStream is not supported by the raw endpoint: it creates
// destDir and then always returns an error. Raw transfers write through
// OpenReceiveFile and FinalizeReceive instead, because the `.meta`
// sidecar's `bytes`/`uuid` fields depend on the transfer's outcome.
func (e *RawFileEndpoint) OpenReceiveStream(ctx context.Context, destDir string) (ByteSink, error) {
	if err := e.EnsureDirectory(ctx, destDir); err != nil {
		return nil, err
	}
	return nil, newError(ErrUnknown, "open_receive_stream", destDir, errors.New("raw endpoints require FinalizeReceive, not a bare receive stream"))
}

// OpenReceiveFile is the raw-endpoint-specific entry point the transfer
// pipeline uses instead of OpenReceiveStream: it returns a plain file
// sink under the endpoint's naming scheme, and the caller is expected
// to call FinalizeReceive afterward with the outcome metadata.
func (e *RawFileEndpoint) OpenReceiveFile(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := e.EnsureDirectory(ctx, e.Dir); err != nil {
		return nil, err
	}
	f, err := os.Create(e.streamPath(name))
	if err != nil {
		return nil, newError(ErrReceive, "open_receive_file", name, err)
	}
	return f, nil
}

// FinalizeReceive fsyncs the stream file and writes+fsyncs the `.meta`
// sidecar (spec §4.D step 6: "For raw: assert file size and sidecar
// integrity (fsync both)").
func (e *RawFileEndpoint) FinalizeReceive(name string, meta RawMeta) error {
	streamPath := e.streamPath(name)
	sf, err := os.OpenFile(streamPath, os.O_RDWR, 0o644)
	if err != nil {
		return newError(ErrReceive, "finalize_receive", streamPath, err)
	}
	defer sf.Close()
	info, err := sf.Stat()
	if err != nil {
		return newError(ErrReceive, "finalize_receive", streamPath, err)
	}
	if meta.Bytes != 0 && info.Size() != meta.Bytes {
		return newError(ErrReceive, "finalize_receive", streamPath, fmt.Errorf("size mismatch: wrote %d, expected %d", info.Size(), meta.Bytes))
	}
	if err := sf.Sync(); err != nil {
		return newError(ErrReceive, "finalize_receive", streamPath, err)
	}

	metaPath := e.metaPath(name)
	buf, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return newError(ErrReceive, "finalize_receive", metaPath, err)
	}
	mf, err := os.Create(metaPath)
	if err != nil {
		return newError(ErrReceive, "finalize_receive", metaPath, err)
	}
	defer mf.Close()
	if _, err := mf.Write(buf); err != nil {
		return newError(ErrReceive, "finalize_receive", metaPath, err)
	}
	return mf.Sync()
}

func (e *RawFileEndpoint) readMeta(name string) (RawMeta, error) {
	buf, err := os.ReadFile(e.metaPath(name))
	if err != nil {
		return RawMeta{}, newError(ErrIO, "read_meta", e.metaPath(name), err)
	}
	var meta RawMeta
	if err := json.Unmarshal(buf, &meta); err != nil {
		return RawMeta{}, newError(ErrIO, "read_meta", e.metaPath(name), err)
	}
	return meta, nil
}

// CleanupPartialReceive removes a partially written stream file and
// its sidecar left by a failed receive (FinalizeReceive never ran, so
// the `.meta` file is likely already absent).
func (e *RawFileEndpoint) CleanupPartialReceive(ctx context.Context, destPath string, snapName string) error {
	var firstErr error
	if err := os.Remove(e.streamPath(snapName)); err != nil && !os.IsNotExist(err) {
		firstErr = err
	}
	if err := os.Remove(e.metaPath(snapName)); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *RawFileEndpoint) SubvolumeShow(ctx context.Context, path string) (SubvolumeInfo, error) {
	name := strings.TrimSuffix(filepath.Base(path), e.streamSuffix())
	meta, err := e.readMeta(name)
	if err != nil {
		return SubvolumeInfo{}, err
	}
	return SubvolumeInfo{UUID: meta.UUID, ReceivedUUID: meta.ReceivedUUID, ParentUUID: meta.ParentUUID, ReadOnly: true}, nil
}

func (e *RawFileEndpoint) FreeBytes(ctx context.Context, path string) (FreeBytes, error) {
	return statfsFree(path)
}

func (e *RawFileEndpoint) EnsureDirectory(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return newError(ErrIO, "ensure_directory", path, err)
	}
	return nil
}

// RequireMounted is a no-op for raw endpoints: the whole point of the
// raw stream kind is to relax the same-filesystem-type invariant (spec
// §6), so mount-point checks don't apply.
func (e *RawFileEndpoint) RequireMounted(ctx context.Context, path string) error {
	return nil
}
