// Package cellar materializes store entries into the user-visible
// Cellar/<name>/<version> tree using copy-on-write clones where the
// filesystem supports them, then rewrites embedded build-prefix paths so
// the keg works from the current prefix.
package cellar

import (
	"context"
	"os"
	"path/filepath"

	zberr "github.com/tj-moody/zerobrew/pkg/errors"
	"github.com/tj-moody/zerobrew/pkg/relocate"
)

// Cellar publishes kegs under a Cellar directory belonging to a prefix.
type Cellar struct {
	dir    string
	prefix string
}

// New creates the Cellar directory if needed.
func New(dir, prefix string) (*Cellar, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Cellar{dir: dir, prefix: prefix}, nil
}

// Dir returns the Cellar directory.
func (c *Cellar) Dir() string { return c.dir }

// KegPath returns Cellar/<name>/<version>.
func (c *Cellar) KegPath(name, version string) string {
	return filepath.Join(c.dir, name, version)
}

// Exists reports whether the keg directory is present.
func (c *Cellar) Exists(name, version string) bool {
	info, err := os.Stat(c.KegPath(name, version))
	return err == nil && info.IsDir()
}

// Materialize clones the store entry at storePath into the keg for
// name/version and runs the relocation pass. An existing keg fails with
// MATERIALIZE_CONFLICT; callers that know the keg matches the recorded
// digest skip materialization instead.
//
// Bottles nest their content as <name>/<version>/ inside the archive, so
// the clone source is that subtree when present and the whole entry
// otherwise. A partially materialized keg is removed on failure.
func (c *Cellar) Materialize(ctx context.Context, name, version, storePath string) (string, error) {
	keg := c.KegPath(name, version)
	if c.Exists(name, version) {
		return "", zberr.New(zberr.CodeMaterializeConflict, "keg %s/%s already exists", name, version)
	}

	src := filepath.Join(storePath, name, version)
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		src = storePath
	}

	if err := os.MkdirAll(filepath.Dir(keg), 0o755); err != nil {
		return "", zberr.Wrap(zberr.CodeMaterializeFailed, err, "create %s", filepath.Dir(keg))
	}
	if err := CloneTree(src, keg); err != nil {
		_ = os.RemoveAll(keg)
		return "", zberr.Wrap(zberr.CodeMaterializeFailed, err, "clone %s/%s into Cellar", name, version)
	}

	err := relocate.Tree(ctx, keg, relocate.Options{
		NewPrefix: c.prefix,
		NewCellar: c.dir,
		Name:      name,
		Version:   version,
	})
	if err != nil {
		_ = os.RemoveAll(keg)
		return "", err
	}
	return keg, nil
}

// Remove deletes the keg and, when it was the last version, the package's
// Cellar directory.
func (c *Cellar) Remove(name, version string) error {
	if err := os.RemoveAll(c.KegPath(name, version)); err != nil {
		return err
	}
	parent := filepath.Join(c.dir, name)
	if entries, err := os.ReadDir(parent); err == nil && len(entries) == 0 {
		_ = os.Remove(parent)
	}
	return nil
}

// Versions lists the materialized versions of a package.
func (c *Cellar) Versions(name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.dir, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
