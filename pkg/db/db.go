// Package db stores the installed-package set in a local SQLite database:
// one row per package, its dependency edges, and reference counts into the
// content-addressable store maintained by triggers.
//
// Within a process, access is serialized by a mutex on the single
// connection; across processes, every write takes the exclusive db file
// lock and reads take it shared. Each planner node commit is one
// transaction.
package db

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tj-moody/zerobrew/pkg/digest"
	zberr "github.com/tj-moody/zerobrew/pkg/errors"
	"github.com/tj-moody/zerobrew/pkg/lockfile"
)

const schema = `
CREATE TABLE IF NOT EXISTS packages (
    name TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    revision INTEGER NOT NULL DEFAULT 0,
    store_digest TEXT NOT NULL,
    explicit INTEGER NOT NULL DEFAULT 0,
    installed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dependencies (
    parent TEXT NOT NULL,
    child TEXT NOT NULL,
    PRIMARY KEY (parent, child)
);

CREATE TABLE IF NOT EXISTS store_refs (
    digest TEXT PRIMARY KEY,
    refcount INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_deps_child ON dependencies(child);

CREATE TRIGGER IF NOT EXISTS packages_insert_ref AFTER INSERT ON packages
BEGIN
    INSERT INTO store_refs(digest, refcount) VALUES (NEW.store_digest, 1)
        ON CONFLICT(digest) DO UPDATE SET refcount = refcount + 1;
END;

CREATE TRIGGER IF NOT EXISTS packages_delete_ref AFTER DELETE ON packages
BEGIN
    UPDATE store_refs SET refcount = refcount - 1 WHERE digest = OLD.store_digest;
END;

CREATE TRIGGER IF NOT EXISTS packages_update_ref AFTER UPDATE OF store_digest ON packages
WHEN OLD.store_digest <> NEW.store_digest
BEGIN
    UPDATE store_refs SET refcount = refcount - 1 WHERE digest = OLD.store_digest;
    INSERT INTO store_refs(digest, refcount) VALUES (NEW.store_digest, 1)
        ON CONFLICT(digest) DO UPDATE SET refcount = refcount + 1;
END;
`

// Package is one installed-package row plus its dependency edges.
type Package struct {
	Name        string
	Version     string
	Revision    int
	StoreDigest digest.Digest
	Explicit    bool
	InstalledAt time.Time
	DependsOn   []string
}

// DB wraps the SQLite database behind the package manager.
type DB struct {
	mu    sync.Mutex
	conn  *sqlite.Conn
	locks *lockfile.Manager
}

// Open opens (creating if needed) the database at path.
func Open(path string, locks *lockfile.Manager) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, zberr.Wrap(zberr.CodeDBError, err, "create db directory")
	}
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenWAL)
	if err != nil {
		return nil, zberr.Wrap(zberr.CodeDBError, err, "open database")
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, zberr.Wrap(zberr.CodeDBError, err, "apply schema")
	}
	return &DB{conn: conn, locks: locks}, nil
}

// Close releases the connection.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.Close()
}

// withLock serializes an operation against other goroutines and processes.
func (d *DB) withLock(ctx context.Context, mode lockfile.Mode, fn func() error) error {
	lock, err := d.locks.Acquire(ctx, lockfile.DBKey, mode)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn.SetInterrupt(ctx.Done())
	defer d.conn.SetInterrupt(nil)
	return fn()
}

// RecordInstall writes a package row and its dependency edges in one
// transaction. An existing row for the same name is upgraded in place; the
// refcount triggers move the store reference accordingly.
func (d *DB) RecordInstall(ctx context.Context, pkg Package) error {
	return d.withLock(ctx, lockfile.Exclusive, func() (err error) {
		defer sqlitex.Save(d.conn)(&err)

		err = sqlitex.Execute(d.conn, `
			INSERT INTO packages (name, version, revision, store_digest, explicit, installed_at)
			VALUES (:name, :version, :revision, :digest, :explicit, :installed_at)
			ON CONFLICT(name) DO UPDATE SET
			    version = excluded.version,
			    revision = excluded.revision,
			    store_digest = excluded.store_digest,
			    explicit = MAX(explicit, excluded.explicit),
			    installed_at = excluded.installed_at`,
			&sqlitex.ExecOptions{Named: map[string]any{
				":name":         pkg.Name,
				":version":      pkg.Version,
				":revision":     pkg.Revision,
				":digest":       pkg.StoreDigest.String(),
				":explicit":     boolInt(pkg.Explicit),
				":installed_at": pkg.InstalledAt.Unix(),
			}})
		if err != nil {
			return zberr.Wrap(zberr.CodeDBError, err, "insert package %s", pkg.Name)
		}

		err = sqlitex.Execute(d.conn, `DELETE FROM dependencies WHERE parent = :name`,
			&sqlitex.ExecOptions{Named: map[string]any{":name": pkg.Name}})
		if err != nil {
			return zberr.Wrap(zberr.CodeDBError, err, "clear dependencies of %s", pkg.Name)
		}
		for _, child := range pkg.DependsOn {
			err = sqlitex.Execute(d.conn, `
				INSERT OR IGNORE INTO dependencies (parent, child) VALUES (:parent, :child)`,
				&sqlitex.ExecOptions{Named: map[string]any{":parent": pkg.Name, ":child": child}})
			if err != nil {
				return zberr.Wrap(zberr.CodeDBError, err, "record dependency %s -> %s", pkg.Name, child)
			}
		}
		return nil
	})
}

// RemovePackage drops a package row and its outgoing dependency edges. The
// delete trigger decrements the store reference.
func (d *DB) RemovePackage(ctx context.Context, name string) error {
	return d.withLock(ctx, lockfile.Exclusive, func() (err error) {
		defer sqlitex.Save(d.conn)(&err)

		err = sqlitex.Execute(d.conn, `DELETE FROM dependencies WHERE parent = :name`,
			&sqlitex.ExecOptions{Named: map[string]any{":name": name}})
		if err != nil {
			return zberr.Wrap(zberr.CodeDBError, err, "clear dependencies of %s", name)
		}
		err = sqlitex.Execute(d.conn, `DELETE FROM packages WHERE name = :name`,
			&sqlitex.ExecOptions{Named: map[string]any{":name": name}})
		if err != nil {
			return zberr.Wrap(zberr.CodeDBError, err, "delete package %s", name)
		}
		return nil
	})
}

// GetPackage returns the package row for name, or nil when not installed.
func (d *DB) GetPackage(ctx context.Context, name string) (*Package, error) {
	var pkg *Package
	err := d.withLock(ctx, lockfile.Shared, func() error {
		err := sqlitex.Execute(d.conn, `
			SELECT name, version, revision, store_digest, explicit, installed_at
			FROM packages WHERE name = :name`,
			&sqlitex.ExecOptions{
				Named: map[string]any{":name": name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					p, err := scanPackage(stmt)
					if err != nil {
						return err
					}
					pkg = p
					return nil
				},
			})
		if err != nil {
			return zberr.Wrap(zberr.CodeDBError, err, "query package %s", name)
		}
		if pkg == nil {
			return nil
		}
		return sqlitex.Execute(d.conn, `SELECT child FROM dependencies WHERE parent = :name ORDER BY child`,
			&sqlitex.ExecOptions{
				Named: map[string]any{":name": name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					pkg.DependsOn = append(pkg.DependsOn, stmt.ColumnText(0))
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return pkg, nil
}

// ListPackages returns all installed packages ordered by name.
func (d *DB) ListPackages(ctx context.Context) ([]Package, error) {
	var out []Package
	err := d.withLock(ctx, lockfile.Shared, func() error {
		err := sqlitex.Execute(d.conn, `
			SELECT name, version, revision, store_digest, explicit, installed_at
			FROM packages ORDER BY name`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					p, err := scanPackage(stmt)
					if err != nil {
						return err
					}
					out = append(out, *p)
					return nil
				},
			})
		if err != nil {
			return zberr.Wrap(zberr.CodeDBError, err, "list packages")
		}
		return nil
	})
	return out, err
}

// Dependents returns the installed packages that depend on name.
func (d *DB) Dependents(ctx context.Context, name string) ([]string, error) {
	var out []string
	err := d.withLock(ctx, lockfile.Shared, func() error {
		return sqlitex.Execute(d.conn, `
			SELECT d.parent FROM dependencies d
			JOIN packages p ON p.name = d.parent
			WHERE d.child = :name ORDER BY d.parent`,
			&sqlitex.ExecOptions{
				Named: map[string]any{":name": name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, stmt.ColumnText(0))
					return nil
				},
			})
	})
	if err != nil {
		return nil, zberr.Wrap(zberr.CodeDBError, err, "query dependents of %s", name)
	}
	return out, nil
}

// RefCount returns the store reference count for a digest. Unknown digests
// count zero.
func (d *DB) RefCount(ctx context.Context, dig digest.Digest) (int, error) {
	count := 0
	err := d.withLock(ctx, lockfile.Shared, func() error {
		return sqlitex.Execute(d.conn, `SELECT refcount FROM store_refs WHERE digest = :digest`,
			&sqlitex.ExecOptions{
				Named: map[string]any{":digest": dig.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					count = stmt.ColumnInt(0)
					return nil
				},
			})
	})
	if err != nil {
		return 0, zberr.Wrap(zberr.CodeDBError, err, "query refcount")
	}
	return count, nil
}

// UnreferencedDigests returns digests whose refcount dropped to zero.
func (d *DB) UnreferencedDigests(ctx context.Context) ([]digest.Digest, error) {
	var out []digest.Digest
	err := d.withLock(ctx, lockfile.Shared, func() error {
		return sqlitex.Execute(d.conn, `SELECT digest FROM store_refs WHERE refcount <= 0 ORDER BY digest`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					dig, err := digest.Parse(stmt.ColumnText(0))
					if err != nil {
						return nil
					}
					out = append(out, dig)
					return nil
				},
			})
	})
	if err != nil {
		return nil, zberr.Wrap(zberr.CodeDBError, err, "query unreferenced digests")
	}
	return out, nil
}

// ForgetDigest drops the refcount row of a digest whose store entry was
// garbage collected.
func (d *DB) ForgetDigest(ctx context.Context, dig digest.Digest) error {
	return d.withLock(ctx, lockfile.Exclusive, func() error {
		err := sqlitex.Execute(d.conn, `DELETE FROM store_refs WHERE digest = :digest AND refcount <= 0`,
			&sqlitex.ExecOptions{Named: map[string]any{":digest": dig.String()}})
		if err != nil {
			return zberr.Wrap(zberr.CodeDBError, err, "forget digest")
		}
		return nil
	})
}

// Clear wipes every table. Used by reset.
func (d *DB) Clear(ctx context.Context) error {
	return d.withLock(ctx, lockfile.Exclusive, func() (err error) {
		defer sqlitex.Save(d.conn)(&err)
		for _, table := range []string{"dependencies", "packages", "store_refs"} {
			if err = sqlitex.Execute(d.conn, "DELETE FROM "+table, nil); err != nil {
				return zberr.Wrap(zberr.CodeDBError, err, "clear %s", table)
			}
		}
		return nil
	})
}

func scanPackage(stmt *sqlite.Stmt) (*Package, error) {
	dig, err := digest.Parse(strings.TrimSpace(stmt.ColumnText(3)))
	if err != nil {
		return nil, zberr.Wrap(zberr.CodeDBError, err, "corrupt store_digest for %s", stmt.ColumnText(0))
	}
	return &Package{
		Name:        stmt.ColumnText(0),
		Version:     stmt.ColumnText(1),
		Revision:    stmt.ColumnInt(2),
		StoreDigest: dig,
		Explicit:    stmt.ColumnInt(4) != 0,
		InstalledAt: time.Unix(stmt.ColumnInt64(5), 0).UTC(),
	}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
