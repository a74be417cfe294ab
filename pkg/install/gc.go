package install

import (
	"context"

	"github.com/tj-moody/zerobrew/pkg/digest"
)

// GCResult reports what one garbage collection removed.
type GCResult struct {
	// Entries are the store digests whose trees were removed.
	Entries []digest.Digest
	// Blobs are the cache archives pruned as orphans.
	Blobs []digest.Digest
}

// GC removes store entries with zero references and prunes orphaned cache
// blobs older than the configured TTL. Each entry is removed under its
// exclusive per-digest lock, so entries pinned by an in-flight `run` (which
// holds the lock shared) survive until released.
func (pl *Planner) GC(ctx context.Context) (*GCResult, error) {
	result := &GCResult{}

	unreferenced, err := pl.db.UnreferencedDigests(ctx)
	if err != nil {
		return nil, err
	}
	for _, dig := range unreferenced {
		if err := pl.store.Remove(ctx, dig); err != nil {
			return result, err
		}
		if err := pl.db.ForgetDigest(ctx, dig); err != nil {
			return result, err
		}
		result.Entries = append(result.Entries, dig)
	}

	// A cache blob is an orphan when no installed package references its
	// digest. Fresh orphans are kept within the TTL so aborted installs
	// can resume from the cache.
	blobs, err := pl.blobs.Prune(pl.cfg.CacheTTLDuration(), func(d digest.Digest) bool {
		n, err := pl.db.RefCount(ctx, d)
		return err == nil && n > 0
	})
	if err != nil {
		return result, err
	}
	result.Blobs = blobs
	return result, nil
}
