// Package resolve expands requested formula names into the full dependency
// closure, fetching catalog entries concurrently and selecting a bottle for
// every node.
package resolve

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tj-moody/zerobrew/pkg/dag"
	zberr "github.com/tj-moody/zerobrew/pkg/errors"
	"github.com/tj-moody/zerobrew/pkg/formula"
)

// defaultWorkers is the catalog fetch parallelism. Catalog entries are tiny,
// so this is bounded by latency rather than bandwidth.
const defaultWorkers = 20

// Fetcher retrieves formula metadata from the catalog.
type Fetcher interface {
	// Get retrieves formula information by name. If refresh is true,
	// cached data is revalidated upstream.
	Get(ctx context.Context, name string, refresh bool) (*formula.Formula, error)
}

// Plan is the resolved install closure: the dependency DAG plus the chosen
// bottle for every node.
type Plan struct {
	Graph    *dag.DAG
	Bottles  map[string]*formula.Bottle
	Formulas map[string]*formula.Formula
}

// Order returns the node names dependencies-first.
func (p *Plan) Order() ([]string, error) {
	order, err := p.Graph.TopoSort()
	if err != nil {
		return nil, zberr.Wrap(zberr.CodeDependencyCycle, err, "resolve closure")
	}
	return order, nil
}

// Resolver crawls the catalog building dependency closures.
type Resolver struct {
	fetch     Fetcher
	platforms []string
	workers   int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPlatforms overrides the host platform tags used for bottle selection.
func WithPlatforms(tags []string) Option {
	return func(r *Resolver) { r.platforms = tags }
}

// WithWorkers overrides the fetch parallelism.
func WithWorkers(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.workers = n
		}
	}
}

// New creates a Resolver over the given catalog fetcher.
func New(fetch Fetcher, opts ...Option) *Resolver {
	r := &Resolver{
		fetch:     fetch,
		platforms: formula.HostPlatforms(),
		workers:   defaultWorkers,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve crawls the closure of roots and selects bottles. Every node must
// resolve: a missing formula, an unparseable entry, a missing bottle, or a
// dependency cycle fails the whole plan with the node identity attached.
func (r *Resolver) Resolve(ctx context.Context, roots []string, refresh bool) (*Plan, error) {
	c := &crawler{
		ctx: ctx,
		fetch: func(ctx context.Context, name string) (*formula.Formula, error) {
			return r.fetch.Get(ctx, name, refresh)
		},
		g:        dag.New(nil),
		formulas: make(map[string]*formula.Formula),
		jobs:     make(chan job, r.workers*2),
		results:  make(chan result, r.workers*2),
		done:     make(chan struct{}),
		visited:  make(map[string]bool),
	}

	if err := c.run(r.workers, roots); err != nil {
		return nil, err
	}

	plan := &Plan{
		Graph:    c.g,
		Bottles:  make(map[string]*formula.Bottle, len(c.formulas)),
		Formulas: c.formulas,
	}
	for name, f := range c.formulas {
		bottle, err := f.SelectBottle(r.platforms)
		if err != nil {
			return nil, zberr.AttachNode(name, err)
		}
		plan.Bottles[name] = bottle
		if n, ok := c.g.Node(name); ok {
			n.Meta["version"] = bottle.Version
			n.Meta["digest"] = bottle.Sha256
		}
	}

	// Surface cycles now rather than at execution time.
	if _, err := plan.Order(); err != nil {
		return nil, err
	}
	return plan, nil
}

type job struct {
	name string
}

type result struct {
	job
	formula *formula.Formula
	err     error
}

type crawler struct {
	ctx   context.Context
	fetch func(context.Context, string) (*formula.Formula, error)

	g        *dag.DAG
	formulas map[string]*formula.Formula

	jobs    chan job
	results chan result
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	visited map[string]bool
	pending int64
}

func (c *crawler) run(workers int, roots []string) error {
	for range workers {
		c.wg.Add(1)
		go c.worker()
	}

	for _, root := range roots {
		c.enqueue(job{name: root})
	}
	err := c.collect()

	close(c.done)
	c.wg.Wait()
	return err
}

func (c *crawler) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case j := <-c.jobs:
			f, err := c.fetch(c.ctx, j.name)
			select {
			case c.results <- result{job: j, formula: f, err: err}:
			case <-c.done:
				return
			}
		}
	}
}

// enqueue queues a crawl for name unless it was already visited. The send
// happens on a separate goroutine so a full jobs channel never blocks the
// collector; the done channel unblocks leftover senders on early exit.
func (c *crawler) enqueue(j job) {
	c.mu.Lock()
	if c.visited[j.name] {
		c.mu.Unlock()
		return
	}
	c.visited[j.name] = true
	c.mu.Unlock()

	atomic.AddInt64(&c.pending, 1)
	go func() {
		select {
		case c.jobs <- j:
		case <-c.done:
		}
	}()
}

func (c *crawler) collect() error {
	if atomic.LoadInt64(&c.pending) == 0 {
		return nil
	}
	for {
		select {
		case r := <-c.results:
			if err := c.handle(r); err != nil {
				return err
			}
			if atomic.AddInt64(&c.pending, -1) == 0 {
				return nil
			}
		case <-c.ctx.Done():
			return zberr.Wrap(zberr.CodeCancelled, c.ctx.Err(), "resolving closure")
		}
	}
}

func (c *crawler) handle(r result) error {
	if r.err != nil {
		return zberr.AttachNode(r.name, r.err)
	}

	c.mu.Lock()
	c.formulas[r.name] = r.formula
	_ = c.g.AddNode(dag.Node{ID: r.name})
	for _, dep := range r.formula.Dependencies {
		_ = c.g.AddNode(dag.Node{ID: dep})
		_ = c.g.AddEdge(dag.Edge{From: r.name, To: dep})
	}
	c.mu.Unlock()

	for _, dep := range r.formula.Dependencies {
		c.enqueue(job{name: dep})
	}
	return nil
}
