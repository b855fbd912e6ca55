// Package pipeline implements the Transfer Pipeline of spec §4.D: the
// one-shot "send → (compress) → (rate-limit) → (transport, via the
// endpoint it was opened on) → receive" operation, with pre-flight
// checks, chain-match fallback, and post-verify. Grounded on
// replication_logic.go's Step.doReplication/sendRecv send-then-receive
// shape, generalized to the compress/rate-limit stages and the
// native/raw destination split, and run with golang.org/x/sync/errgroup
// the same way doPlanning/listBothVersions already use it for
// concurrent sender/receiver calls.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snapward/snapward/internal/endpoint"
	"github.com/snapward/snapward/internal/logging"
	"github.com/snapward/snapward/internal/snapshot"
)

// EncryptionKind enumerates the `encrypt` destination option (spec §6).
type EncryptionKind int

const (
	EncryptNone EncryptionKind = iota
	EncryptGPG
	EncryptOpenSSL
)

func (k EncryptionKind) String() string {
	switch k {
	case EncryptGPG:
		return "gpg"
	case EncryptOpenSSL:
		return "openssl"
	default:
		return "none"
	}
}

// Shaping bundles the stream-shaping and safety options a Plan carries
// (config.Destination's compress/rate_limit/require_mount/encrypt
// fields, resolved to their in-process form).
type Shaping struct {
	Kind                 endpoint.StreamKind
	Compression          CompressionKind
	RateLimitBytesPerSec int
	RequireMount         bool
	Encrypt              EncryptionKind
	GPGRecipient         string
	OpenSSLPassphrase    string
	Force                bool

	DrainWindow           time.Duration // default 5s
	SafetyMarginPercent   float64       // default 10
	SafetyMarginMinBytes  int64         // default 100 MiB
}

func (s Shaping) withDefaults() Shaping {
	if s.DrainWindow <= 0 {
		s.DrainWindow = 5 * time.Second
	}
	if s.SafetyMarginPercent <= 0 {
		s.SafetyMarginPercent = 10
	}
	if s.SafetyMarginMinBytes <= 0 {
		s.SafetyMarginMinBytes = 100 * 1024 * 1024
	}
	return s
}

// Plan is a fully-resolved transfer: which snapshot, against which
// parent (if any), from which endpoint to which endpoint.
type Plan struct {
	SourceEndpoint endpoint.Endpoint
	SourceSnapshot snapshot.Snapshot
	ParentSnapshot *snapshot.Snapshot
	DestEndpoint   endpoint.Endpoint
	DestPath       string
	Shaping        Shaping
}

// State is one of the Pipeline's named lifecycle states (spec §4.D).
type State int

const (
	StatePlanned State = iota
	StateLocked
	StatePrechecked
	StateStreaming
	StateVerified
	StateReleased
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StatePrechecked:
		return "prechecked"
	case StateStreaming:
		return "streaming"
	case StateVerified:
		return "verified"
	case StateReleased:
		return "released"
	case StateFailed:
		return "failed"
	default:
		return "planned"
	}
}

// Outcome is what Run reports, successful or not.
type Outcome struct {
	FinalState         State
	BytesTransferred   int64
	Duration           time.Duration
	ParentDowngraded   bool // true when chain-match fell back to a full send
	Err                error
}

// Locker is the minimal capability Run needs from a lock manager (spec
// §4.D step 2): acquire a session lock keyed on (dest, name), get back
// a release function. Defined here, not imported from internal/lock,
// so pipeline depends on a capability rather than a concrete package.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Recorder is the minimal capability Run needs from a journal (spec
// §4.D step 7).
type Recorder interface {
	Record(ctx context.Context, action, status string, bytes int64, duration time.Duration, errKind, errDetail string) error
}

// SendSizeEstimator is an optional capability an Endpoint may implement
// to support the pre-flight space check's `send --no-data` dry run
// (spec §4.D step 1). Endpoints that don't implement it skip the exact
// estimate and rely on the configured minimum margin alone.
type SendSizeEstimator interface {
	EstimateSendSize(ctx context.Context, snap snapshot.Snapshot, parent *snapshot.Snapshot) (int64, error)
}

// lockKey matches spec §4.D step 2: "a session lock keyed on
// (dest_endpoint, source_snapshot.name)".
func lockKey(destPath string, sourceName string) string {
	return destPath + "#" + sourceName
}

// Run executes one transfer end to end (spec §4.D's seven steps).
// locker and recorder may be nil, in which case their steps are
// skipped (useful for tests exercising the streaming logic in
// isolation).
func Run(ctx context.Context, plan Plan, locker Locker, recorder Recorder) Outcome {
	start := timeNow()
	shaping := plan.Shaping.withDefaults()
	log := logging.GetLogger(ctx, logging.SubsysPipeline)

	outcome := Outcome{FinalState: StatePlanned}
	record := func(action, status string, kind string, detail string) {
		if recorder == nil {
			return
		}
		_ = recorder.Record(ctx, action, status, outcome.BytesTransferred, timeNow().Sub(start), kind, detail)
	}
	fail := func(phase string, err *Error) Outcome {
		outcome.FinalState = StateFailed
		outcome.Err = err
		outcome.Duration = timeNow().Sub(start)
		log.Error("transfer failed", "phase", phase, "kind", err.Kind.String(), "detail", err.Detail)
		record("transfer", "failed", err.Kind.String(), err.Detail)
		return outcome
	}

	// Step 1: pre-flight.
	if err := plan.DestEndpoint.EnsureDirectory(ctx, plan.DestPath); err != nil {
		return fail("preflight", newError(FailNetworkTransient, "preflight", err))
	}
	if shaping.RequireMount {
		if err := plan.DestEndpoint.RequireMounted(ctx, plan.DestPath); err != nil {
			return fail("preflight", newError(FailNetworkTransient, "preflight", err))
		}
	}
	if err := compressorAvailable(shaping.Compression); err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return fail("preflight", pe)
		}
		return fail("preflight", newError(FailCompressorUnavailable, "preflight", err))
	}
	if err := encryptionAvailable(shaping.Encrypt); err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return fail("preflight", pe)
		}
		return fail("preflight", newError(FailEncryptionUnavailable, "preflight", err))
	}
	if err := checkSpace(ctx, plan, shaping); err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return fail("preflight", pe)
		}
		return fail("preflight", newError(FailInsufficientSpace, "preflight", err))
	}
	outcome.FinalState = StatePlanned

	// Step 2: lock.
	var release func()
	if locker != nil {
		r, err := locker.Acquire(ctx, lockKey(plan.DestPath, plan.SourceSnapshot.Name))
		if err != nil {
			return fail("lock", newError(FailLockHeld, "lock", err))
		}
		release = r
	}
	defer func() {
		if release != nil {
			release()
		}
	}()
	outcome.FinalState = StateLocked

	// Step 3: chain match.
	parent := plan.ParentSnapshot
	if parent != nil {
		ok, err := destHoldsParent(ctx, plan.DestEndpoint, plan.DestPath, *parent)
		if err != nil {
			return fail("chain_match", newError(FailNetworkTransient, "chain_match", err))
		}
		if !ok {
			log.Info("parent missing at destination, downgrading to full send", "parent", parent.Name)
			parent = nil
			outcome.ParentDowngraded = true
		}
	}
	outcome.FinalState = StatePrechecked

	// Steps 4-5: assemble + execute.
	outcome.FinalState = StateStreaming
	bytesTransferred, streamErr := stream(ctx, plan, parent, shaping)
	outcome.BytesTransferred = bytesTransferred
	if streamErr != nil {
		cleanupPartialReceive(ctx, plan, log)
		var pe *Error
		if errors.As(streamErr, &pe) {
			return fail("execute", pe)
		}
		return fail("execute", newError(FailNetworkTransient, "execute", streamErr))
	}

	// Step 6: post-verify.
	if err := postVerify(ctx, plan, shaping); err != nil {
		cleanupPartialReceive(ctx, plan, log)
		var pe *Error
		if errors.As(err, &pe) {
			return fail("post_verify", pe)
		}
		return fail("post_verify", newError(FailCorruptStream, "post_verify", err))
	}
	outcome.FinalState = StateVerified

	// Step 7: journal + unlock (handled by the deferred release above).
	outcome.Duration = timeNow().Sub(start)
	status := "ok"
	if outcome.ParentDowngraded {
		status = "partial"
	}
	record("transfer", status, "", "")
	outcome.FinalState = StateReleased
	return outcome
}

func checkSpace(ctx context.Context, plan Plan, shaping Shaping) error {
	free, err := plan.DestEndpoint.FreeBytes(ctx, plan.DestPath)
	if err != nil {
		return newError(FailNetworkTransient, "preflight", err)
	}
	margin := shaping.SafetyMarginMinBytes
	var required int64
	if estimator, ok := plan.SourceEndpoint.(SendSizeEstimator); ok {
		est, err := estimator.EstimateSendSize(ctx, plan.SourceSnapshot, plan.ParentSnapshot)
		if err == nil {
			required = est
			byPercent := int64(float64(est) * shaping.SafetyMarginPercent / 100)
			if byPercent > margin {
				margin = byPercent
			}
		}
	}
	needed := required + margin
	if int64(free.FilesystemFree) < needed && !shaping.Force {
		return newError(FailInsufficientSpace, "preflight",
			fmt.Errorf("need at least %d bytes (required %d + margin %d), have %d", needed, required, margin, free.FilesystemFree))
	}
	return nil
}

// destHoldsParent checks whether the destination already holds a
// snapshot whose received_uuid equals parent's received_uuid, as spec
// §4.D step 3 requires.
func destHoldsParent(ctx context.Context, dest endpoint.Endpoint, destPath string, parent snapshot.Snapshot) (bool, error) {
	snaps, err := dest.ListSnapshots(ctx, "")
	if err != nil {
		return false, err
	}
	for _, s := range snaps {
		if s.ReceivedUUID != "" && s.ReceivedUUID == parent.ReceivedUUID {
			return true, nil
		}
	}
	return false, nil
}

// stream assembles and runs the producer/consumer chain: send →
// compress → rate-limit → receive (native) or → file+sidecar (raw).
// Any stage failing cancels the others within the configured drain
// window (spec §4.D step 5).
func stream(ctx context.Context, plan Plan, parent *snapshot.Snapshot, shaping Shaping) (int64, error) {
	source, err := plan.SourceEndpoint.OpenSendStream(ctx, plan.SourceSnapshot, parent)
	if err != nil {
		return 0, newError(FailNetworkTransient, "assemble", err)
	}
	defer source.Close()

	compressed, err := newCompressReader(ctx, shaping.Compression, source)
	if err != nil {
		return 0, err
	}
	defer compressed.Close()

	encrypted, err := newEncryptReader(ctx, shaping.Encrypt, shaping, compressed)
	if err != nil {
		return 0, err
	}
	defer encrypted.Close()

	limited := newRateLimitedReader(ctx, encrypted, shaping.RateLimitBytesPerSec)
	counter := &countingReader{r: limited}

	if shaping.Kind == endpoint.Raw {
		rawDest, ok := plan.DestEndpoint.(*endpoint.RawFileEndpoint)
		if !ok {
			return 0, newError(FailNetworkTransient, "assemble", errors.New("raw stream kind requires a RawFileEndpoint"))
		}
		sink, err := rawDest.OpenReceiveFile(ctx, plan.SourceSnapshot.Name)
		if err != nil {
			return 0, newError(FailNetworkTransient, "execute", err)
		}
		n, copyErr := io.Copy(sink, counter)
		closeErr := sink.Close()
		if copyErr != nil {
			return n, newError(FailCorruptStream, "execute", copyErr)
		}
		if closeErr != nil {
			return n, newError(FailCorruptStream, "execute", closeErr)
		}
		meta := endpoint.RawMeta{
			UUID:         plan.SourceSnapshot.UUID,
			ReceivedUUID: plan.SourceSnapshot.UUID,
			CreatedAt:    timeNow(),
			Bytes:        counter.n,
		}
		if parent != nil {
			meta.ParentUUID = parent.UUID
		}
		if shaping.Compression != CompressNone {
			meta.Compression = shaping.Compression.String()
		}
		if shaping.Encrypt != EncryptNone {
			meta.Encryption = shaping.Encrypt.String()
		}
		if err := rawDest.FinalizeReceive(plan.SourceSnapshot.Name, meta); err != nil {
			return counter.n, err
		}
		return counter.n, nil
	}

	// Native: undo encryption then compression before handing the bytes
	// to btrfs receive, which only understands the filesystem-native
	// wire format.
	decrypted, err := newDecryptReader(ctx, shaping.Encrypt, shaping, counter)
	if err != nil {
		return 0, err
	}
	defer decrypted.Close()

	decompressed, err := newDecompressReader(ctx, shaping.Compression, decrypted)
	if err != nil {
		return 0, err
	}
	defer decompressed.Close()

	sink, err := plan.DestEndpoint.OpenReceiveStream(ctx, plan.DestPath)
	if err != nil {
		return 0, newError(FailNetworkTransient, "execute", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		_, err := io.Copy(sink, decompressed)
		return err
	})
	group.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			// Bound how long we wait for the producer side to notice
			// cancellation before giving up (spec §4.D step 5's
			// "bounded drain window").
			select {
			case <-time.After(shaping.DrainWindow):
			case <-gctx.Done():
			}
		}
		return nil
	})
	copyErr := group.Wait()
	closeErr := sink.Close()
	if copyErr != nil {
		return counter.n, newError(FailCorruptStream, "execute", copyErr)
	}
	if closeErr != nil {
		return counter.n, newError(FailCorruptStream, "execute", closeErr)
	}
	return counter.n, nil
}

// postVerify implements spec §4.D step 6: for native, the newly
// received snapshot's received_uuid must equal the source snapshot's
// uuid; for raw, FinalizeReceive already fsynced and size-checked both
// files, so there is nothing further to check here.
func postVerify(ctx context.Context, plan Plan, shaping Shaping) error {
	if shaping.Kind == endpoint.Raw {
		return nil
	}
	snaps, err := plan.DestEndpoint.ListSnapshots(ctx, "")
	if err != nil {
		return newError(FailCorruptStream, "post_verify", err)
	}
	for _, s := range snaps {
		if s.ReceivedUUID == plan.SourceSnapshot.UUID {
			return nil
		}
	}
	return newError(FailCorruptStream, "post_verify",
		fmt.Errorf("no destination snapshot with received_uuid %q found after receive", plan.SourceSnapshot.UUID))
}

// cleanupPartialReceive best-effort deletes whatever a failed transfer
// left behind at the destination (spec §4.D step 7).
func cleanupPartialReceive(ctx context.Context, plan Plan, log interface {
	Warn(msg string, args ...any)
}) {
	if err := plan.DestEndpoint.CleanupPartialReceive(ctx, plan.DestPath, plan.SourceSnapshot.Name); err != nil {
		log.Warn("failed to clean up partial receive", "dest_path", plan.DestPath, "snapshot", plan.SourceSnapshot.Name, "error", err)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// timeNow is overridable in tests needing deterministic durations.
var timeNow = time.Now
