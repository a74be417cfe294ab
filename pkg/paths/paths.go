// Package paths owns the on-disk layout of a zerobrew root: the store,
// prefix, cache, lock, and database directories, plus the environment
// overrides that relocate them.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// Environment variables overriding the default layout.
const (
	EnvRoot   = "ZEROBREW_ROOT"
	EnvPrefix = "ZEROBREW_PREFIX"
)

// DefaultDarwinRoot is the root used on macOS when no override is set.
const DefaultDarwinRoot = "/opt/zerobrew"

// Paths maps the directory conventions under a single root.
type Paths struct {
	Root   string // Top-level data directory
	Store  string // Content-addressable store: Root/store
	Prefix string // User-visible prefix: Root/prefix (bin, opt, Cellar)
	Cellar string // Materialized packages: Prefix/Cellar
	Cache  string // Downloaded bottles: Root/cache
	DB     string // SQLite database file: Root/db/zerobrew.sqlite
	Locks  string // Advisory lock files: Root/locks
}

// FromRoot derives the full layout from a root directory. The prefix lives
// inside the root unless overridden with a dedicated prefix path.
func FromRoot(root string) Paths {
	return FromRootPrefix(root, filepath.Join(root, "prefix"))
}

// FromRootPrefix derives the layout with an explicit prefix directory.
func FromRootPrefix(root, prefix string) Paths {
	return Paths{
		Root:   root,
		Store:  filepath.Join(root, "store"),
		Prefix: prefix,
		Cellar: filepath.Join(prefix, "Cellar"),
		Cache:  filepath.Join(root, "cache"),
		DB:     filepath.Join(root, "db", "zerobrew.sqlite"),
		Locks:  filepath.Join(root, "locks"),
	}
}

// Default resolves the layout for this process: ZEROBREW_ROOT and
// ZEROBREW_PREFIX when set, /opt/zerobrew on macOS, and
// $XDG_DATA_HOME/zerobrew (or ~/.local/share/zerobrew) elsewhere.
func Default() Paths {
	root := os.Getenv(EnvRoot)
	if root == "" {
		root = defaultRoot()
	}
	prefix := os.Getenv(EnvPrefix)
	if prefix == "" {
		return FromRoot(root)
	}
	return FromRootPrefix(root, prefix)
}

func defaultRoot() string {
	if runtime.GOOS == "darwin" {
		return DefaultDarwinRoot
	}
	if data := os.Getenv("XDG_DATA_HOME"); data != "" {
		return filepath.Join(data, "zerobrew")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDarwinRoot
	}
	return filepath.Join(home, ".local", "share", "zerobrew")
}

// Bin returns the shared executables directory under the prefix.
func (p Paths) Bin() string { return filepath.Join(p.Prefix, "bin") }

// Opt returns the stable per-package symlink directory under the prefix.
func (p Paths) Opt() string { return filepath.Join(p.Prefix, "opt") }

// StoreTmp returns the staging area for partial store entries.
func (p Paths) StoreTmp() string { return filepath.Join(p.Store, ".tmp") }

// LockFile returns the lock file path for a key.
func (p Paths) LockFile(key string) string {
	return filepath.Join(p.Locks, key+".lock")
}

// Ensure creates every directory of the layout. The database parent
// directory is created; the file itself is owned by the db package.
func (p Paths) Ensure() error {
	for _, dir := range []string{
		p.Store,
		p.StoreTmp(),
		p.Cellar,
		p.Bin(),
		p.Opt(),
		p.Cache,
		filepath.Dir(p.DB),
		p.Locks,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
