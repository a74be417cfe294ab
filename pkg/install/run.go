package install

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tj-moody/zerobrew/pkg/cellar"
	"github.com/tj-moody/zerobrew/pkg/digest"
	zberr "github.com/tj-moody/zerobrew/pkg/errors"
	"github.com/tj-moody/zerobrew/pkg/formula"
	"github.com/tj-moody/zerobrew/pkg/lockfile"
	"github.com/tj-moody/zerobrew/pkg/relocate"
)

// RunOptions configures an ephemeral run.
type RunOptions struct {
	// Refresh bypasses the catalog cache freshness window.
	Refresh bool
	// Progress receives acquisition events.
	Progress Progress
	// Stdin, Stdout, Stderr are wired to the child process; nil falls back
	// to the parent's streams.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Run executes a package ephemerally: acquire its closure into the store,
// materialize the target into a throwaway directory (never linking it into
// the prefix), and run its binary. The store entry stays pinned by a shared
// per-digest lock for the lifetime of the child, so a concurrent gc cannot
// delete it mid-run.
//
// Returns the child's exit code.
func (pl *Planner) Run(ctx context.Context, name string, args []string, opts RunOptions) (int, error) {
	plan, err := pl.resolver.Resolve(ctx, []string{name}, opts.Refresh)
	if err != nil {
		return 1, err
	}
	bottle := plan.Bottles[name]

	order, err := plan.Order()
	if err != nil {
		return 1, err
	}

	// Acquire the whole closure: the target's binary may load dependency
	// libraries through its embedded paths.
	for _, dep := range order {
		n := &node{
			name:    dep,
			bottle:  plan.Bottles[dep],
			emitted: make(chan struct{}),
		}
		if n.dig, err = parseBottleDigest(plan.Bottles[dep]); err != nil {
			return 1, zberr.AttachNode(dep, err)
		}
		if err := pl.acquire(ctx, n, opts.Progress); err != nil {
			return 1, zberr.AttachNode(dep, err)
		}
	}

	dig, err := parseBottleDigest(bottle)
	if err != nil {
		return 1, zberr.AttachNode(name, err)
	}

	// Pin the entry against gc for the duration of the child process.
	pin, err := pl.locks.Acquire(ctx, lockfile.StoreKey(dig.String()), lockfile.Shared)
	if err != nil {
		return 1, err
	}
	defer pin.Unlock()

	runDir := filepath.Join(pl.paths.Root, "run", uuid.NewString())
	if err := os.MkdirAll(filepath.Dir(runDir), 0o755); err != nil {
		return 1, zberr.Wrap(zberr.CodeMaterializeFailed, err, "create run directory")
	}
	defer os.RemoveAll(runDir)

	src := filepath.Join(pl.store.Path(dig), name, bottle.Version)
	if info, statErr := os.Stat(src); statErr != nil || !info.IsDir() {
		src = pl.store.Path(dig)
	}
	if err := cellar.CloneTree(src, runDir); err != nil {
		return 1, zberr.AttachNode(name, zberr.Wrap(zberr.CodeMaterializeFailed, err, "materialize ephemeral keg"))
	}
	err = relocate.Tree(ctx, runDir, relocate.Options{
		NewPrefix: pl.paths.Prefix,
		NewCellar: pl.paths.Cellar,
		Name:      name,
		Version:   bottle.Version,
	})
	if err != nil {
		return 1, zberr.AttachNode(name, err)
	}

	binary := filepath.Join(runDir, "bin", name)
	if _, err := os.Stat(binary); err != nil {
		return 1, zberr.AttachNode(name, zberr.New(zberr.CodeMaterializeFailed,
			"package %q has no bin/%s", name, name))
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	}
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	}

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 1, zberr.AttachNode(name, zberr.Wrap(zberr.CodeMaterializeFailed, err, "exec %s", binary))
	}
	return 0, nil
}

func parseBottleDigest(b *formula.Bottle) (digest.Digest, error) {
	d, err := digest.Parse(b.Sha256)
	if err != nil {
		return d, zberr.Wrap(zberr.CodeNoBottle, err, "catalog digest")
	}
	return d, nil
}
