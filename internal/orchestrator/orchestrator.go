// Package orchestrator drives the end-to-end run flow of spec §4.J:
// for each enabled volume, snapshot the source, plan and execute a
// transfer to every destination, then evaluate and apply retention at
// both ends. Grounded on replication_logic.go's doPlanning/doGlobalRun
// errgroup.WithContext fan-out, generalized from "one sender, one
// receiver" to "N volumes, each with M destinations" via
// golang.org/x/sync/semaphore for the two concurrency dials and
// github.com/cenkalti/backoff/v4 for the orchestrator-owned retry
// policy spec §4.D explicitly keeps out of the Pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/snapward/snapward/config"
	"github.com/snapward/snapward/internal/endpoint"
	"github.com/snapward/snapward/internal/envinput"
	"github.com/snapward/snapward/internal/journal"
	"github.com/snapward/snapward/internal/lock"
	"github.com/snapward/snapward/internal/logging"
	"github.com/snapward/snapward/internal/metrics"
	"github.com/snapward/snapward/internal/pipeline"
	"github.com/snapward/snapward/internal/planner"
	"github.com/snapward/snapward/internal/retention"
	"github.com/snapward/snapward/internal/snapshot"
)

// Exit codes for an external dispatcher; this package never calls
// os.Exit itself (spec §6).
const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitHealthWarning = 2
)

// RetryPolicy bounds the orchestrator's retry of a single destination's
// transfer (spec §4.J: "retry with exponential backoff, default 3
// tries"). Only pipeline.FailNetworkTransient and a stale LockHeld are
// retried; every other failure kind is terminal for that destination.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 3 * time.Second
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 30 * time.Second
	}
	return p
}

// Orchestrator drives Run against a validated config.Config.
type Orchestrator struct {
	Metrics     *metrics.Vectors
	Retry       RetryPolicy
	LockDir     string
	JournalPath string

	// OpenSSLPassphrase is applied to a destination's Shaping when its
	// Encrypt option is openssl (spec §6 `encrypt: openssl`); the config
	// schema carries no passphrase field, only SNAPWARD_OPENSSL_PASSPHRASE
	// via internal/envinput.
	OpenSSLPassphrase string

	// Dial is how the orchestrator turns a destination path/options
	// into a live endpoint.Endpoint plus the stream kind it opens. It
	// is a field, not a free function, so tests can substitute an
	// in-memory resolver without touching real transports.
	Dial func(ctx context.Context, destPath string, dest config.Destination) (endpoint.Endpoint, endpoint.StreamKind, error)
}

// New returns an Orchestrator wired with the default URL-based Dial
// function (spec §6 "URL schemes at the endpoint boundary").
func New(lockDir, journalPath string, m *metrics.Vectors) *Orchestrator {
	env, _ := envinput.Parse()
	return &Orchestrator{
		Metrics:           m,
		LockDir:           lockDir,
		JournalPath:       journalPath,
		OpenSSLPassphrase: env.OpenSSLPassphrase,
		Dial:              resolveEndpoint,
	}
}

// Run executes spec §4.J's pseudocode against every enabled volume in
// cfg, bounded by Global.ParallelVolumes and Global.ParallelTargets.
func (o *Orchestrator) Run(ctx context.Context, cfg *config.Config) error {
	log := logging.GetLogger(ctx, logging.SubsysOrchestrator)

	locks, err := lock.NewManager(o.LockDir, "run")
	if err != nil {
		return fmt.Errorf("orchestrator: lock manager: %w", err)
	}
	jrnl, err := journal.Open(o.JournalPath)
	if err != nil {
		return fmt.Errorf("orchestrator: journal: %w", err)
	}
	defer jrnl.Close()

	format, err := cfg.Global.ParseTimestampFormat()
	if err != nil {
		return fmt.Errorf("orchestrator: timestamp format: %w", err)
	}

	volumeSem := semaphore.NewWeighted(int64(cfg.Global.ParallelVolumes))
	group, gctx := errgroup.WithContext(ctx)

	for _, vol := range cfg.Volumes {
		vol := vol
		if !vol.Enabled {
			continue
		}
		if err := volumeSem.Acquire(gctx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer volumeSem.Release(1)
			return o.runVolume(gctx, cfg, vol, format, locks, jrnl, log)
		})
	}

	return group.Wait()
}

func (o *Orchestrator) runVolume(ctx context.Context, cfg *config.Config, vol config.Volume, format snapshot.Format, locks *lock.Manager, jrnl *journal.Journal, log *slog.Logger) error {
	release, err := locks.Acquire(ctx, "volume#"+vol.Path)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			log.Warn("volume locked by another run, skipping", "volume", vol.Path, "owner_pid", held.Owner.OwnerPID)
			return nil
		}
		return fmt.Errorf("volume %s: acquire lock: %w", vol.Path, err)
	}
	defer release()

	prefix := vol.EffectivePrefix()
	namer, err := snapshot.NewNamer(prefix, format)
	if err != nil {
		return fmt.Errorf("volume %s: namer: %w", vol.Path, err)
	}

	source := endpoint.NewLocalEndpoint(vol.SnapshotDir)

	// A volume sourced from a foreign snapshot manager already has its
	// snapshots produced by an external tool (spec §6 "source"); this
	// run must replicate whatever is already there rather than create
	// its own, which would duplicate or conflict with that tool's own
	// naming.
	if vol.Source == config.SourceNative {
		created, createErr := source.CreateSnapshot(ctx, vol.Path, namer)
		_ = jrnl.Record(ctx, "snapshot", statusOf(createErr), 0, 0, "", errDetail(createErr))
		if createErr != nil {
			return fmt.Errorf("volume %s: create snapshot: %w", vol.Path, createErr)
		}
		if o.Metrics != nil {
			o.Metrics.TransfersTotal.WithLabelValues(vol.Path, "snapshot_ok").Inc()
		}
		log.Info("created snapshot", "volume", vol.Path, "name", created.Name)
	} else {
		log.Info("volume source is externally managed, skipping snapshot creation", "volume", vol.Path, "source", string(vol.Source))
	}

	targetSem := semaphore.NewWeighted(int64(cfg.Global.ParallelTargets))
	group, gctx := errgroup.WithContext(ctx)
	for _, dest := range vol.Targets {
		dest := dest
		if err := targetSem.Acquire(gctx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer targetSem.Release(1)
			return o.runDestination(gctx, cfg, vol, dest, locks, jrnl)
		})
	}
	if err := group.Wait(); err != nil {
		log.Error("one or more destinations failed", "volume", vol.Path, "error", err.Error())
	}

	return o.pruneVolume(ctx, vol, source, jrnl)
}

func (o *Orchestrator) runDestination(ctx context.Context, cfg *config.Config, vol config.Volume, dest config.Destination, locks *lock.Manager, jrnl *journal.Journal) error {
	log := logging.GetLogger(ctx, logging.SubsysOrchestrator)

	destEndpoint, kind, err := o.Dial(ctx, dest.Path, dest)
	if err != nil {
		_ = jrnl.Record(ctx, "transfer", "failed", 0, 0, "NetworkTransient", err.Error())
		return fmt.Errorf("destination %s: dial: %w", dest.Path, err)
	}

	sourceEndpoint := endpoint.NewLocalEndpoint(vol.SnapshotDir)
	sourceSnaps, err := sourceEndpoint.ListSnapshots(ctx, vol.EffectivePrefix())
	if err != nil {
		return fmt.Errorf("destination %s: list source snapshots: %w", dest.Path, err)
	}
	destSnaps, err := destEndpoint.ListSnapshots(ctx, vol.EffectivePrefix())
	if err != nil {
		return fmt.Errorf("destination %s: list dest snapshots: %w", dest.Path, err)
	}

	plan, err := planner.Plan(vol.EffectivePrefix(), sourceSnaps, destSnaps, planner.Options{IncrementalDisabled: !cfg.Global.Incremental})
	if err != nil {
		return fmt.Errorf("destination %s: plan: %w", dest.Path, err)
	}
	if plan == nil {
		log.Info("nothing to send", "volume", vol.Path, "destination", dest.Path)
		return nil
	}

	plan.SourceEndpoint = sourceEndpoint
	plan.DestEndpoint = destEndpoint
	plan.DestPath = dest.Path
	plan.Shaping = dest.ToShaping(kind)
	if dest.Encrypt == config.EncryptionOpenSSL {
		plan.Shaping.OpenSSLPassphrase = o.OpenSSLPassphrase
	}

	retry := o.Retry.withDefaults()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = retry.InitialInterval
	eb.MaxInterval = retry.MaxInterval
	bo := backoff.WithMaxRetries(eb, uint64(retry.MaxAttempts-1))

	var outcome pipeline.Outcome
	operation := func() error {
		outcome = pipeline.Run(ctx, *plan, locks, jrnl)
		if outcome.Err == nil {
			return nil
		}
		var pe *pipeline.Error
		if errors.As(outcome.Err, &pe) && isRetryable(pe.Kind) {
			return outcome.Err
		}
		return backoff.Permanent(outcome.Err)
	}
	retryErr := backoff.Retry(operation, backoff.WithContext(bo, ctx))

	if o.Metrics != nil {
		o.Metrics.SecsPerState.WithLabelValues(outcome.FinalState.String()).Observe(outcome.Duration.Seconds())
		o.Metrics.BytesReplicated.WithLabelValues(vol.Path).Add(float64(outcome.BytesTransferred))
		o.Metrics.TransfersTotal.WithLabelValues(vol.Path, statusOf(retryErr)).Inc()
	}
	if retryErr != nil {
		return fmt.Errorf("destination %s: transfer: %w", dest.Path, retryErr)
	}
	return nil
}

func isRetryable(kind pipeline.FailureKind) bool {
	return kind == pipeline.FailNetworkTransient || kind == pipeline.FailLockHeld
}

func (o *Orchestrator) pruneVolume(ctx context.Context, vol config.Volume, source *endpoint.LocalEndpoint, jrnl *journal.Journal) error {
	sourceSnaps, err := source.ListSnapshots(ctx, vol.EffectivePrefix())
	if err != nil {
		return fmt.Errorf("volume %s: prune: list source: %w", vol.Path, err)
	}

	now := time.Now()
	policy := vol.Retention.ToRetentionPolicy()
	sourceResult := retention.Evaluate(now, sourceSnaps, policy, false, time.Local)

	for _, dest := range vol.Targets {
		destEndpoint, _, err := o.Dial(ctx, dest.Path, dest)
		if err != nil {
			continue
		}
		destSnaps, err := destEndpoint.ListSnapshots(ctx, vol.EffectivePrefix())
		if err != nil {
			continue
		}
		destResult := retention.Evaluate(now, destSnaps, policy, true, time.Local)
		for _, errD := range destroyAll(ctx, destEndpoint, destResult.Prune) {
			if errD != nil {
				_ = jrnl.Record(ctx, "prune", "failed", 0, 0, "", errD.Error())
			}
		}
		if o.Metrics != nil {
			o.Metrics.PruneTotal.WithLabelValues(vol.Path, dest.Path).Add(float64(len(destResult.Prune)))
		}
	}

	for _, errS := range source.DestroySnapshots(ctx, sourceResult.Prune) {
		if errS != nil {
			_ = jrnl.Record(ctx, "prune", "failed", 0, 0, "", errS.Error())
		}
	}
	_ = jrnl.Record(ctx, "prune", "ok", 0, 0, "", "")
	return nil
}

// batchDestroyer is the optional capability LocalEndpoint implements
// for E2BIG-safe batched deletes; endpoints without it fall back to
// one DestroySnapshot call per snapshot.
type batchDestroyer interface {
	DestroySnapshots(ctx context.Context, snaps []snapshot.Snapshot) []error
}

func destroyAll(ctx context.Context, ep endpoint.Endpoint, snaps []snapshot.Snapshot) []error {
	if len(snaps) == 0 {
		return nil
	}
	if batch, ok := ep.(batchDestroyer); ok {
		return batch.DestroySnapshots(ctx, snaps)
	}
	errs := make([]error, len(snaps))
	for i, s := range snaps {
		errs[i] = ep.DestroySnapshot(ctx, s)
	}
	return errs
}

func statusOf(err error) string {
	if err == nil {
		return "ok"
	}
	return "failed"
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
