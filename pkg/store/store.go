// Package store implements the content-addressable store: one immutable
// extracted bottle tree per SHA-256 digest.
//
// An entry is present only when both its directory and its sentinel file
// exist. Ingest stages into store/.tmp/<uuid>, verifies the digest while
// extracting, and publishes with an atomic rename followed by the sentinel,
// so readers never observe a partial tree. A per-digest exclusive file lock
// makes ingest at-most-once across processes.
package store

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tj-moody/zerobrew/pkg/digest"
	zberr "github.com/tj-moody/zerobrew/pkg/errors"
	"github.com/tj-moody/zerobrew/pkg/extract"
	"github.com/tj-moody/zerobrew/pkg/lockfile"
)

// Entry describes a ready store entry.
type Entry struct {
	Digest     digest.Digest `json:"-"`
	Size       int64         `json:"size"`
	IngestTime time.Time     `json:"ingest_time"`
}

// Store is the on-disk CAS rooted at a store directory.
type Store struct {
	root  string
	tmp   string
	locks *lockfile.Manager
}

// New opens (creating if needed) the store at root, using locks for
// cross-process ingest serialization.
func New(root string, locks *lockfile.Manager) (*Store, error) {
	s := &Store{
		root:  root,
		tmp:   filepath.Join(root, ".tmp"),
		locks: locks,
	}
	for _, dir := range []string{s.root, s.tmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the absolute directory of the entry for d.
func (s *Store) Path(d digest.Digest) string {
	return filepath.Join(s.root, d.String())
}

func (s *Store) sentinelPath(d digest.Digest) string {
	return filepath.Join(s.root, d.String()+".ready")
}

// Has reports whether the entry for d is ready: directory and sentinel both
// present.
func (s *Store) Has(d digest.Digest) bool {
	if info, err := os.Stat(s.Path(d)); err != nil || !info.IsDir() {
		return false
	}
	_, err := os.Stat(s.sentinelPath(d))
	return err == nil
}

// Ingest extracts the archive stream produced by open into a new entry for
// d, verifying the digest in the same pass. If the entry is already ready
// (including a ready entry raced in by another process), open is never
// called and the existing entry is returned.
func (s *Store) Ingest(ctx context.Context, d digest.Digest, open func() (io.ReadCloser, error)) (*Entry, error) {
	if s.Has(d) {
		return s.entry(d)
	}

	lock, err := s.locks.Acquire(ctx, lockfile.StoreKey(d.String()), lockfile.Exclusive)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	// Another process may have completed the ingest while this one waited
	// on the lock.
	if s.Has(d) {
		return s.entry(d)
	}

	stream, err := open()
	if err != nil {
		return nil, zberr.Wrap(zberr.CodeExtractFailed, err, "open archive for %s", d.Short())
	}
	defer stream.Close()

	stage := filepath.Join(s.tmp, uuid.NewString())
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return nil, zberr.Wrap(zberr.CodeExtractFailed, err, "create staging directory")
	}
	cleanup := func() { _ = os.RemoveAll(stage) }

	verifier := digest.NewVerifier(stream, d)
	if err := extract.Extract(verifier, stage); err != nil {
		cleanup()
		return nil, err
	}
	// The tar reader stops at the archive's logical end; drain trailing
	// bytes so the verifier covers the whole file.
	if _, err := io.Copy(io.Discard, verifier); err != nil {
		cleanup()
		return nil, zberr.Wrap(zberr.CodeExtractFailed, err, "drain archive for %s", d.Short())
	}
	if !verifier.Verify() {
		cleanup()
		return nil, zberr.New(zberr.CodeDigestMismatch,
			"archive digest mismatch (expected %s, got %s)", d, verifier.Actual())
	}

	size, err := treeSize(stage)
	if err != nil {
		cleanup()
		return nil, zberr.Wrap(zberr.CodeExtractFailed, err, "measure staged tree")
	}

	if err := os.Rename(stage, s.Path(d)); err != nil {
		cleanup()
		return nil, zberr.Wrap(zberr.CodeExtractFailed, err, "publish entry %s", d.Short())
	}

	entry := &Entry{Digest: d, Size: size, IngestTime: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err == nil {
		err = os.WriteFile(s.sentinelPath(d), data, 0o644)
	}
	if err != nil {
		_ = os.RemoveAll(s.Path(d))
		return nil, zberr.Wrap(zberr.CodeExtractFailed, err, "write sentinel for %s", d.Short())
	}
	return entry, nil
}

// Remove deletes the entry for d under its exclusive lock. Removing an
// absent entry is not an error.
func (s *Store) Remove(ctx context.Context, d digest.Digest) error {
	lock, err := s.locks.Acquire(ctx, lockfile.StoreKey(d.String()), lockfile.Exclusive)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	// Sentinel first: a crash mid-removal leaves a non-ready entry, never
	// a ready entry with missing content.
	if err := os.Remove(s.sentinelPath(d)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.RemoveAll(s.Path(d))
}

// Entries lists the digests of all ready entries.
func (s *Store) Entries() ([]digest.Digest, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []digest.Digest
	for _, de := range dirents {
		if !de.IsDir() || !digest.Valid(de.Name()) {
			continue
		}
		d, err := digest.Parse(de.Name())
		if err != nil {
			continue
		}
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// entry loads the sentinel metadata of a ready entry.
func (s *Store) entry(d digest.Digest) (*Entry, error) {
	data, err := os.ReadFile(s.sentinelPath(d))
	if err != nil {
		return nil, zberr.Wrap(zberr.CodeExtractFailed, err, "read sentinel for %s", d.Short())
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// Legacy or hand-created sentinels still mark readiness.
		e = Entry{}
	}
	e.Digest = d
	return &e, nil
}

func treeSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
