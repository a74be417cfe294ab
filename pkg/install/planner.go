// Package install orchestrates the pipeline: resolve the dependency
// closure, acquire bottles into the content-addressable store, and emit
// them into the prefix in dependencies-before-dependents order.
//
// Acquisition (fetch, verify, ingest) runs concurrently for independent
// nodes, bounded by the fetcher's transfer caps and the extraction
// semaphore. Emission (materialize, link, db commit) for a node begins as
// soon as its own acquisition and all of its dependencies' emissions have
// completed. A failed node takes its dependents with it but never rolls
// back committed siblings.
package install

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tj-moody/zerobrew/pkg/blob"
	"github.com/tj-moody/zerobrew/pkg/cache"
	"github.com/tj-moody/zerobrew/pkg/cellar"
	"github.com/tj-moody/zerobrew/pkg/config"
	"github.com/tj-moody/zerobrew/pkg/db"
	"github.com/tj-moody/zerobrew/pkg/digest"
	zberr "github.com/tj-moody/zerobrew/pkg/errors"
	"github.com/tj-moody/zerobrew/pkg/fetch"
	"github.com/tj-moody/zerobrew/pkg/formula"
	"github.com/tj-moody/zerobrew/pkg/linker"
	"github.com/tj-moody/zerobrew/pkg/lockfile"
	"github.com/tj-moody/zerobrew/pkg/observability"
	"github.com/tj-moody/zerobrew/pkg/paths"
	"github.com/tj-moody/zerobrew/pkg/resolve"
	"github.com/tj-moody/zerobrew/pkg/store"
)

// Planner wires the pipeline components over one zerobrew root.
type Planner struct {
	paths    paths.Paths
	cfg      config.Config
	resolver *resolve.Resolver
	fetcher  *fetch.Fetcher
	blobs    *blob.Cache
	store    *store.Store
	cellar   *cellar.Cellar
	links    *linker.Linker
	db       *db.DB
	locks    *lockfile.Manager
	extract  *semaphore.Weighted
	backend  cache.Cache
}

// Options configures a Planner.
type Options struct {
	Paths  paths.Paths
	Config config.Config

	// Catalog overrides the formula source (tests). When nil, an HTTP
	// catalog client is built from Config.
	Catalog resolve.Fetcher

	// Platforms overrides bottle platform selection (tests).
	Platforms []string
}

// New assembles a Planner over the root described by opts.Paths, creating
// the on-disk layout if needed.
func New(ctx context.Context, opts Options) (*Planner, error) {
	p := opts.Paths
	cfg := opts.Config
	if err := p.Ensure(); err != nil {
		return nil, err
	}

	locks, err := lockfile.NewManager(p.Locks, cfg.LockTimeoutDuration())
	if err != nil {
		return nil, err
	}

	var backend cache.Cache
	catalog := opts.Catalog
	if catalog == nil {
		switch cfg.CacheBackend {
		case "none":
			backend = cache.NewNullCache()
		case "redis":
			backend, err = cache.NewRedisCache(ctx, cfg.RedisAddr)
			if err != nil {
				return nil, err
			}
		default:
			backend, err = cache.NewFileCache(p.Cache + "/.catalog")
			if err != nil {
				return nil, err
			}
		}
		catalog = formula.NewClient(cfg.CatalogURL, backend, cfg.CatalogTTLDuration())
	}

	resolverOpts := []resolve.Option{}
	if len(opts.Platforms) > 0 {
		resolverOpts = append(resolverOpts, resolve.WithPlatforms(opts.Platforms))
	}

	blobs, err := blob.New(p.Cache)
	if err != nil {
		return nil, err
	}
	cas, err := store.New(p.Store, locks)
	if err != nil {
		return nil, err
	}
	kegs, err := cellar.New(p.Cellar, p.Prefix)
	if err != nil {
		return nil, err
	}
	links, err := linker.New(p.Prefix)
	if err != nil {
		return nil, err
	}
	database, err := db.Open(p.DB, locks)
	if err != nil {
		return nil, err
	}

	return &Planner{
		paths:    p,
		cfg:      cfg,
		resolver: resolve.New(catalog, resolverOpts...),
		fetcher: fetch.New(blobs, fetch.Options{
			Global:  cfg.Downloads,
			PerHost: cfg.PerHost,
			Timeout: cfg.FetchTimeoutDuration(),
		}),
		blobs:   blobs,
		store:   cas,
		cellar:  kegs,
		links:   links,
		db:      database,
		locks:   locks,
		extract: semaphore.NewWeighted(int64(cfg.Extractors)),
		backend: backend,
	}, nil
}

// Close releases the database and cache backend.
func (pl *Planner) Close() error {
	var errs []error
	if pl.db != nil {
		errs = append(errs, pl.db.Close())
	}
	if pl.backend != nil {
		errs = append(errs, pl.backend.Close())
	}
	return errors.Join(errs...)
}

// DB exposes the package database for read-only consumers (list, info).
func (pl *Planner) DB() *db.DB { return pl.db }

// Resolve expands names to their dependency closure without installing.
func (pl *Planner) Resolve(ctx context.Context, names []string, refresh bool) (*resolve.Plan, error) {
	return pl.resolver.Resolve(ctx, names, refresh)
}

// InstallOptions configures one install invocation.
type InstallOptions struct {
	// Explicit marks the requested roots as user-requested in the
	// database. Transitive dependencies are always recorded explicit=false.
	Explicit bool
	// NoLink skips populating the shared bin/opt directories.
	NoLink bool
	// Refresh bypasses the catalog cache freshness window.
	Refresh bool
	// Progress receives pipeline events.
	Progress Progress
}

// Result summarizes one install invocation.
type Result struct {
	// Installed lists nodes committed by this invocation.
	Installed []string
	// Satisfied lists nodes that were already installed at the requested
	// digest and needed no work.
	Satisfied []string
	// Failed holds one entry per failing node.
	Failed []*zberr.NodeError
}

// Err returns the joined per-node failures, or nil when everything
// committed.
func (r *Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, ne := range r.Failed {
		errs[i] = ne
	}
	return errors.Join(errs...)
}

// node is the per-package execution state.
type node struct {
	name     string
	bottle   *formula.Bottle
	dig      digest.Digest
	deps     []*node
	explicit bool

	state    NodeState
	err      error
	emitted  chan struct{} // closed when COMMITTED or FAILED
	satisfied bool

	mu sync.Mutex
}

func (n *node) setState(ctx context.Context, s NodeState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
	observability.Install().OnNodeState(ctx, n.name, string(s))
}

func (n *node) fail(ctx context.Context, err error) {
	n.mu.Lock()
	if n.err == nil {
		n.err = zberr.AttachNode(n.name, err)
	}
	n.state = StateFailed
	n.mu.Unlock()
	observability.Install().OnNodeState(ctx, n.name, string(StateFailed))
	close(n.emitted)
}

func (n *node) failure() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Install resolves, acquires, and emits the closure of names.
//
// The returned Result carries per-node outcomes; a failing node never
// prevents successful peers from being installed, and the error joins the
// per-node failures (nil on full success).
func (pl *Planner) Install(ctx context.Context, names []string, opts InstallOptions) (*Result, error) {
	start := time.Now()
	observability.Install().OnResolveStart(ctx, names)
	plan, err := pl.resolver.Resolve(ctx, names, opts.Refresh)
	observability.Install().OnResolveComplete(ctx, names, planLen(plan), time.Since(start), err)
	if err != nil {
		return nil, err
	}

	order, err := plan.Order()
	if err != nil {
		return nil, err
	}

	explicit := make(map[string]bool, len(names))
	for _, name := range names {
		explicit[name] = true
	}

	// Build nodes and diff against the database: a node is satisfied when
	// a package row exists at the same store digest.
	result := &Result{}
	nodes := make(map[string]*node, len(order))
	for _, name := range order {
		bottle := plan.Bottles[name]
		dig, err := digest.Parse(bottle.Sha256)
		if err != nil {
			return nil, zberr.AttachNode(name, zberr.Wrap(zberr.CodeNoBottle, err, "catalog digest for %s", name))
		}
		n := &node{
			name:     name,
			bottle:   bottle,
			dig:      dig,
			explicit: opts.Explicit && explicit[name],
			state:    StateResolved,
			emitted:  make(chan struct{}),
		}
		opts.Progress.emit(Event{Kind: EventResolved, Name: name, Version: bottle.Version})

		row, err := pl.db.GetPackage(ctx, name)
		if err != nil {
			return nil, err
		}
		if row != nil && row.StoreDigest == dig {
			n.satisfied = true
			n.state = StateCommitted
			close(n.emitted)
			result.Satisfied = append(result.Satisfied, name)
			opts.Progress.emit(Event{Kind: EventSkipped, Name: name, Version: bottle.Version})
		}
		nodes[name] = n
	}
	for _, n := range nodes {
		for _, dep := range plan.Graph.Dependencies(n.name) {
			n.deps = append(n.deps, nodes[dep])
		}
	}

	var wg sync.WaitGroup
	for _, n := range nodes {
		if n.satisfied {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pl.runNode(ctx, n, opts)
		}()
	}
	wg.Wait()

	for _, name := range order {
		n := nodes[name]
		if n.satisfied {
			continue
		}
		if err := n.failure(); err != nil {
			var ne *zberr.NodeError
			if !errors.As(err, &ne) {
				ne = &zberr.NodeError{Name: name, Err: err}
			}
			result.Failed = append(result.Failed, ne)
		} else {
			result.Installed = append(result.Installed, name)
		}
	}
	observability.Install().OnInstallComplete(ctx, len(result.Installed), len(result.Failed), time.Since(start))
	return result, result.Err()
}

// runNode drives one package NEW→COMMITTED: acquire, await dependencies,
// emit.
func (pl *Planner) runNode(ctx context.Context, n *node, opts InstallOptions) {
	failNode := func(err error) {
		n.fail(ctx, err)
		opts.Progress.emit(Event{Kind: EventFailed, Name: n.name, Version: n.bottle.Version, Err: n.failure()})
	}

	if err := pl.acquire(ctx, n, opts.Progress); err != nil {
		failNode(err)
		return
	}

	for _, dep := range n.deps {
		select {
		case <-dep.emitted:
			if depErr := dep.failure(); depErr != nil {
				failNode(zberr.AttachNode(n.name, depErr))
				return
			}
		case <-ctx.Done():
			failNode(zberr.Wrap(zberr.CodeCancelled, ctx.Err(), "waiting for dependency %s", dep.name))
			return
		}
	}

	if err := pl.emit(ctx, n, opts); err != nil {
		failNode(err)
		return
	}

	n.setState(ctx, StateCommitted)
	opts.Progress.emit(Event{Kind: EventCommitted, Name: n.name, Version: n.bottle.Version})
	close(n.emitted)
}

// acquire brings the node's bottle into the store: fetch into the cache,
// then extract-and-verify into a store entry. Both steps short-circuit when
// their output already exists.
func (pl *Planner) acquire(ctx context.Context, n *node, progress Progress) error {
	if pl.store.Has(n.dig) {
		n.setState(ctx, StateReady)
		return nil
	}

	n.setState(ctx, StateAcquiring)
	progress.emit(Event{Kind: EventDownloadStarted, Name: n.name, Version: n.bottle.Version, Total: -1})

	blobPath, err := pl.fetcher.Get(ctx, n.bottle.URL, n.dig, func(done, total int64) {
		progress.emit(Event{Kind: EventDownloadProgress, Name: n.name, Version: n.bottle.Version, Downloaded: done, Total: total})
	})
	if err != nil {
		return err
	}
	progress.emit(Event{Kind: EventDownloadCompleted, Name: n.name, Version: n.bottle.Version})

	if err := pl.extract.Acquire(ctx, 1); err != nil {
		return zberr.Wrap(zberr.CodeCancelled, err, "waiting for extraction slot")
	}
	defer pl.extract.Release(1)

	n.setState(ctx, StateIngesting)
	_, err = pl.store.Ingest(ctx, n.dig, func() (io.ReadCloser, error) {
		return os.Open(blobPath)
	})
	if err != nil {
		// A cached archive that fails verification is poison; drop it so
		// a retry can re-download.
		if zberr.Is(err, zberr.CodeDigestMismatch) {
			_, _ = pl.blobs.Remove(n.dig)
		}
		return err
	}
	progress.emit(Event{Kind: EventIngested, Name: n.name, Version: n.bottle.Version})
	n.setState(ctx, StateReady)
	return nil
}

// emit publishes a ready node into the prefix: materialize the keg, link
// it, and commit the database row. Filesystem mutation happens under the
// package's cellar lock; the db commit takes the db lock afterwards, so no
// two locks are ever held together.
func (pl *Planner) emit(ctx context.Context, n *node, opts InstallOptions) error {
	// Row read happens before the cellar lock so locks are never nested.
	row, err := pl.db.GetPackage(ctx, n.name)
	if err != nil {
		return err
	}

	cellarLock, err := pl.locks.Acquire(ctx, lockfile.CellarKey(n.name), lockfile.Exclusive)
	if err != nil {
		return err
	}

	kegErr := func() error {
		n.setState(ctx, StateMaterializing)

		if pl.cellar.Exists(n.name, n.bottle.Version) {
			// Already materialized at this digest (e.g. an earlier run
			// that crashed before the db commit) is fine; anything else
			// is a conflict.
			if row == nil || row.StoreDigest != n.dig {
				if row != nil {
					return zberr.New(zberr.CodeMaterializeConflict,
						"keg %s/%s exists with digest %s", n.name, n.bottle.Version, row.StoreDigest.Short())
				}
				// No row: the keg is an orphan from an interrupted run at
				// an unknown digest. Rebuild it from the store.
				if err := pl.cellar.Remove(n.name, n.bottle.Version); err != nil {
					return zberr.Wrap(zberr.CodeMaterializeFailed, err, "remove orphaned keg")
				}
				if _, err := pl.cellar.Materialize(ctx, n.name, n.bottle.Version, pl.store.Path(n.dig)); err != nil {
					return err
				}
			}
		} else {
			if _, err := pl.cellar.Materialize(ctx, n.name, n.bottle.Version, pl.store.Path(n.dig)); err != nil {
				return err
			}
		}
		opts.Progress.emit(Event{Kind: EventMaterialized, Name: n.name, Version: n.bottle.Version})

		if !opts.NoLink {
			n.setState(ctx, StateLinking)
			keg := pl.cellar.KegPath(n.name, n.bottle.Version)
			if _, err := pl.links.LinkKeg(keg); err != nil {
				// Unwind this node's partial state; committed siblings
				// stay.
				_, _ = pl.links.UnlinkKeg(keg)
				_ = pl.cellar.Remove(n.name, n.bottle.Version)
				return err
			}
			opts.Progress.emit(Event{Kind: EventLinked, Name: n.name, Version: n.bottle.Version})
		}
		return nil
	}()
	cellarLock.Unlock()
	if kegErr != nil {
		return kegErr
	}

	err = pl.db.RecordInstall(ctx, db.Package{
		Name:        n.name,
		Version:     n.bottle.Version,
		Revision:    n.bottle.Revision,
		StoreDigest: n.dig,
		Explicit:    n.explicit,
		InstalledAt: time.Now().UTC(),
		DependsOn:   n.bottle.DependsOn,
	})
	if err != nil {
		// The db row is the commit point: without it the keg must not
		// stay visible.
		keg := pl.cellar.KegPath(n.name, n.bottle.Version)
		_, _ = pl.links.UnlinkKeg(keg)
		_ = pl.cellar.Remove(n.name, n.bottle.Version)
		return err
	}
	return nil
}

func planLen(p *resolve.Plan) int {
	if p == nil {
		return 0
	}
	return p.Graph.Len()
}
