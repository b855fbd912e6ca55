package endpoint

import (
	"context"
	"errors"
	"os"
	"syscall"
)

// DestroyMany destroys snaps, first passing the whole set to
// destroyBatch as one `btrfs subvolume delete a b c...` invocation and
// halving the batch on E2BIG the same way the teacher's
// ZFSDestroyFilesystemVersions retries an argument-list-too-long failure
// by bisecting the batch. destroyOne is called once per snapshot when
// destroyBatch is nil, when a batch is down to one snapshot, and when a
// batch fails for any reason other than E2BIG.
func DestroyMany(ctx context.Context, snaps []snapshotPather, destroyOne func(context.Context, snapshotPather) error, destroyBatch func(context.Context, []snapshotPather) error) []error {
	errs := make([]error, len(snaps))
	if len(snaps) == 0 {
		return errs
	}
	if destroyBatch == nil || len(snaps) <= 1 {
		for i, s := range snaps {
			errs[i] = destroyOne(ctx, s)
		}
		return errs
	}
	destroyBatchedRec(ctx, snaps, errs, destroyOne, destroyBatch)
	return errs
}

// snapshotPather is the minimal capability DestroyMany needs from a
// caller's snapshot representation.
type snapshotPather interface {
	SnapshotPath() string
}

func destroyBatchedRec(ctx context.Context, snaps []snapshotPather, errs []error, destroyOne func(context.Context, snapshotPather) error, destroyBatch func(context.Context, []snapshotPather) error) {
	if len(snaps) <= 1 {
		for i, s := range snaps {
			errs[i] = destroyOne(ctx, s)
		}
		return
	}

	err := destroyBatch(ctx, snaps)
	if err == nil {
		for i := range snaps {
			errs[i] = nil
		}
		return
	}

	var pe *os.PathError
	if errors.As(err, &pe) && errors.Is(pe.Err, syscall.E2BIG) {
		mid := len(snaps) / 2
		leftErrs := errs[:mid]
		rightErrs := errs[mid:]
		destroyBatchedRec(ctx, snaps[:mid], leftErrs, destroyOne, destroyBatch)
		destroyBatchedRec(ctx, snaps[mid:], rightErrs, destroyOne, destroyBatch)
		return
	}

	// Unknown batch failure: fall back to sequential so one bad
	// snapshot doesn't poison the whole set.
	for i, s := range snaps {
		errs[i] = destroyOne(ctx, s)
	}
}
