package install

import (
	"context"
	"strings"

	zberr "github.com/tj-moody/zerobrew/pkg/errors"
	"github.com/tj-moody/zerobrew/pkg/lockfile"
)

// UninstallOptions configures one uninstall invocation.
type UninstallOptions struct {
	// Force removes the package even when other installed packages depend
	// on it. Their binaries may break; they are not auto-removed.
	Force bool
}

// Uninstall unlinks a package, removes its keg, and drops its database row.
// The store entry keeps its contents and merely loses a reference; gc
// reclaims it later.
//
// Fails with NOT_INSTALLED when no row exists and with REQUIRED when other
// installed packages depend on the name, unless forced.
func (pl *Planner) Uninstall(ctx context.Context, name string, opts UninstallOptions) error {
	row, err := pl.db.GetPackage(ctx, name)
	if err != nil {
		return err
	}
	if row == nil {
		return zberr.AttachNode(name, zberr.New(zberr.CodeNotInstalled, "formula %q is not installed", name))
	}

	if !opts.Force {
		dependents, err := pl.db.Dependents(ctx, name)
		if err != nil {
			return err
		}
		if len(dependents) > 0 {
			return zberr.AttachNode(name, zberr.New(zberr.CodeRequired,
				"%q is required by %s", name, strings.Join(dependents, ", ")))
		}
	}

	cellarLock, err := pl.locks.Acquire(ctx, lockfile.CellarKey(name), lockfile.Exclusive)
	if err != nil {
		return err
	}
	kegErr := func() error {
		keg := pl.cellar.KegPath(name, row.Version)
		if _, err := pl.links.UnlinkKeg(keg); err != nil {
			return err
		}
		return pl.cellar.Remove(name, row.Version)
	}()
	cellarLock.Unlock()
	if kegErr != nil {
		return zberr.AttachNode(name, kegErr)
	}

	if err := pl.db.RemovePackage(ctx, name); err != nil {
		return zberr.AttachNode(name, err)
	}
	return nil
}
