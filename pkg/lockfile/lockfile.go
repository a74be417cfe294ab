// Package lockfile implements the per-key advisory file locks that serialize
// store ingests, Cellar mutation, and database writes across zerobrew
// processes.
//
// Locks are OS-level flock(2) locks on files under the locks directory, so
// cross-process safety holds without any shared daemon. Lock files are never
// deleted during normal operation; only reset removes them. Acquisition is
// always in a fixed order (db, then digest, then cellar) by convention of the
// callers, which avoids deadlock between concurrent installs.
package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	zberr "github.com/tj-moody/zerobrew/pkg/errors"
)

// retryInterval is how often a blocked acquisition re-attempts the flock.
const retryInterval = 50 * time.Millisecond

// Mode selects shared (reader) or exclusive (writer) locking.
type Mode int

const (
	// Shared allows concurrent holders; used for reads and for pinning a
	// store entry against gc.
	Shared Mode = iota
	// Exclusive allows a single holder; used for all mutation.
	Exclusive
)

// Manager hands out locks keyed by name inside a single directory.
type Manager struct {
	dir     string
	timeout time.Duration
}

// NewManager creates a Manager storing lock files in dir. Acquisitions give
// up with a LOCK_TIMEOUT error after timeout.
func NewManager(dir string, timeout time.Duration) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Manager{dir: dir, timeout: timeout}, nil
}

// Dir returns the lock directory.
func (m *Manager) Dir() string { return m.dir }

// Lock is a held advisory lock. Release it with Unlock.
type Lock struct {
	f    *os.File
	path string
}

// Path returns the lock file backing this lock.
func (l *Lock) Path() string { return l.path }

// Unlock releases the lock and closes the file.
func (l *Lock) Unlock() error {
	if l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Acquire takes the lock named key in the given mode, polling until it is
// granted, the context is cancelled, or the manager timeout elapses.
func (m *Manager) Acquire(ctx context.Context, key string, mode Mode) (*Lock, error) {
	path := filepath.Join(m.dir, key+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, zberr.Wrap(zberr.CodeLockTimeout, err, "open lock %s", key)
	}

	how := unix.LOCK_SH
	if mode == Exclusive {
		how = unix.LOCK_EX
	}

	deadline := time.Now().Add(m.timeout)
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f, path: path}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			f.Close()
			return nil, zberr.Wrap(zberr.CodeLockTimeout, err, "flock %s", key)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, zberr.New(zberr.CodeLockTimeout, "timed out waiting for lock %s", key)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, zberr.Wrap(zberr.CodeCancelled, ctx.Err(), "waiting for lock %s", key)
		case <-time.After(retryInterval):
		}
	}
}

// TryAcquire attempts a non-blocking acquisition. It returns (nil, nil) when
// the lock is currently held elsewhere.
func (m *Manager) TryAcquire(key string, mode Mode) (*Lock, error) {
	path := filepath.Join(m.dir, key+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	how := unix.LOCK_SH
	if mode == Exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return nil, nil
		}
		return nil, err
	}
	return &Lock{f: f, path: path}, nil
}

// Lock key conventions shared by the pipeline components.

// DBKey is the process-global database write lock.
const DBKey = "db"

// StoreKey returns the per-digest ingest lock key.
func StoreKey(digest string) string { return "store-" + digest }

// CellarKey returns the per-package Cellar mutation lock key.
func CellarKey(name string) string { return "cellar-" + name }
