// Package endpoint implements the uniform abstraction of "a place where
// snapshots live or are going" (spec §4.A): a capability set realized by
// three variants — Local, Remote, Raw — with no shared base struct and no
// virtual dispatch chain, per spec §9's design note.
package endpoint

import (
	"context"
	"fmt"
	"io"

	"github.com/snapward/snapward/internal/snapshot"
)

// StreamKind selects how a destination stores received data (spec §3).
type StreamKind int

const (
	// Native pipes the stream directly into the filesystem's receive
	// command, materializing a real subvolume.
	Native StreamKind = iota
	// Raw writes the stream bytes to a file plus a ".meta" sidecar,
	// optionally compressed/encrypted, without materializing a subvolume.
	Raw
)

func (k StreamKind) String() string {
	if k == Raw {
		return "raw"
	}
	return "native"
}

// SubvolumeInfo is the filesystem-native identity of a subvolume at rest,
// independent of how it got there.
type SubvolumeInfo struct {
	UUID         snapshot.UUID
	ReceivedUUID snapshot.UUID
	ParentUUID   snapshot.UUID
	ReadOnly     bool
}

// FreeBytes reports available capacity at a path, used by the transfer
// pipeline's space precheck (spec §4.D step 1).
type FreeBytes struct {
	FilesystemFree uint64
	QuotaFree      *uint64 // nil when no quota applies
}

// ByteSource is the read side of a send stream; closing it after EOF must
// be safe and must not itself produce an error (spec §4.A).
type ByteSource = io.ReadCloser

// ByteSink is the write side of a receive stream; closing it signals "no
// more bytes" and triggers the endpoint's post-receive verification.
type ByteSink = io.WriteCloser

// Endpoint is the capability set every variant implements (spec §4.A).
type Endpoint interface {
	// ListSnapshots returns all snapshots whose name starts with prefix,
	// ordered ascending by timestamp (spec §4.C).
	ListSnapshots(ctx context.Context, prefix string) ([]snapshot.Snapshot, error)

	// CreateSnapshot takes a fresh read-only snapshot of volumePath,
	// named by namer. It is atomic: on failure no partial subvolume
	// remains.
	CreateSnapshot(ctx context.Context, volumePath string, namer *snapshot.Namer) (snapshot.Snapshot, error)

	// DestroySnapshot deletes snap. It is idempotent: destroying an
	// already-gone snapshot is not an error.
	DestroySnapshot(ctx context.Context, snap snapshot.Snapshot) error

	// OpenSendStream yields the filesystem-native replication bytes for
	// snap, incremental against parent if non-nil.
	OpenSendStream(ctx context.Context, snap snapshot.Snapshot, parent *snapshot.Snapshot) (ByteSource, error)

	// OpenReceiveStream returns a sink that materializes a subvolume
	// under destDir as bytes are written to it and the sink is closed.
	OpenReceiveStream(ctx context.Context, destDir string) (ByteSink, error)

	// SubvolumeShow returns the filesystem-native identity of the
	// subvolume at path.
	SubvolumeShow(ctx context.Context, path string) (SubvolumeInfo, error)

	// FreeBytes reports available capacity at path.
	FreeBytes(ctx context.Context, path string) (FreeBytes, error)

	// EnsureDirectory creates path (with elevation if configured) if it
	// doesn't already exist. Idempotent.
	EnsureDirectory(ctx context.Context, path string) error

	// RequireMounted fails with a NotMounted error if path is not itself
	// a mount point.
	RequireMounted(ctx context.Context, path string) error

	// CleanupPartialReceive best-effort deletes whatever a failed
	// transfer left behind at destPath for snapName: a partially
	// received subvolume for Local/Remote, a partially written stream
	// file and sidecar for Raw. Not found is not an error (spec §4.D
	// step 7).
	CleanupPartialReceive(ctx context.Context, destPath string, snapName string) error
}

// ErrorKind discriminates the failure taxonomy endpoints can produce
// (spec §4.A/§7).
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrEnumeration
	ErrSend
	ErrReceive
	ErrNotMounted
	ErrNotFound
	ErrIO
)

func (k ErrorKind) String() string {
	switch k {
	case ErrEnumeration:
		return "enumeration"
	case ErrSend:
		return "send"
	case ErrReceive:
		return "receive"
	case ErrNotMounted:
		return "not_mounted"
	case ErrNotFound:
		return "not_found"
	case ErrIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the typed error every endpoint variant returns, carrying a
// classification that callers can switch on via errors.As.
type Error struct {
	Kind   ErrorKind
	Op     string
	Path   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("endpoint: %s %s: %s", e.Op, e.Path, e.Detail)
	}
	return fmt.Sprintf("endpoint: %s: %s", e.Op, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op, path string, err error) *Error {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &Error{Kind: kind, Op: op, Path: path, Detail: detail, Err: err}
}
