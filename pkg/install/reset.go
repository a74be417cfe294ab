package install

import (
	"context"
	"os"

	zberr "github.com/tj-moody/zerobrew/pkg/errors"
	"github.com/tj-moody/zerobrew/pkg/lockfile"
)

// ResetOptions configures a reset.
type ResetOptions struct {
	// All additionally wipes the content-addressable store, the bottle
	// cache, and the lock directory.
	All bool
}

// Reset removes every materialized package, all shared links, and all
// database rows, restoring the prefix to its pristine state. Store entries
// and cached bottles survive unless All is set.
func (pl *Planner) Reset(ctx context.Context, opts ResetOptions) error {
	packages, err := pl.db.ListPackages(ctx)
	if err != nil {
		return err
	}

	for _, pkg := range packages {
		cellarLock, err := pl.locks.Acquire(ctx, lockfile.CellarKey(pkg.Name), lockfile.Exclusive)
		if err != nil {
			return err
		}
		keg := pl.cellar.KegPath(pkg.Name, pkg.Version)
		_, unlinkErr := pl.links.UnlinkKeg(keg)
		removeErr := pl.cellar.Remove(pkg.Name, pkg.Version)
		cellarLock.Unlock()
		if unlinkErr != nil {
			return zberr.AttachNode(pkg.Name, unlinkErr)
		}
		if removeErr != nil {
			return zberr.AttachNode(pkg.Name, removeErr)
		}
	}

	pl.links.ReclaimDangling()

	// Kegs of superseded versions have no package row; wipe the whole
	// Cellar so nothing lingers.
	if err := os.RemoveAll(pl.paths.Cellar); err != nil {
		return err
	}

	if err := pl.db.Clear(ctx); err != nil {
		return err
	}

	if opts.All {
		for _, dir := range []string{pl.paths.Store, pl.paths.Cache, pl.paths.Locks} {
			if err := os.RemoveAll(dir); err != nil {
				return err
			}
		}
	}
	return pl.paths.Ensure()
}
