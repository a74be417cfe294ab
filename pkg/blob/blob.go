// Package blob caches downloaded bottle archives under
// cache/<sha256>.tar.gz. Writes go through a unique temp file and an atomic
// rename, so concurrent downloads of the same bottle can race safely and a
// crashed download never leaves a partial blob behind.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tj-moody/zerobrew/pkg/digest"
)

// Cache stores completed bottle archives keyed by digest.
type Cache struct {
	blobsDir string
	tmpDir   string
}

// New creates the cache directories under cacheRoot.
func New(cacheRoot string) (*Cache, error) {
	c := &Cache{
		blobsDir: cacheRoot,
		tmpDir:   filepath.Join(cacheRoot, "tmp"),
	}
	for _, dir := range []string{c.blobsDir, c.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Path returns where the blob for d lives once complete.
func (c *Cache) Path(d digest.Digest) string {
	return filepath.Join(c.blobsDir, d.String()+".tar.gz")
}

// Has reports whether a completed blob exists for d.
func (c *Cache) Has(d digest.Digest) bool {
	_, err := os.Stat(c.Path(d))
	return err == nil
}

// Remove deletes the blob for d, reporting whether one existed. Used when a
// cached archive turns out to be corrupt.
func (c *Cache) Remove(d digest.Digest) (bool, error) {
	err := os.Remove(c.Path(d))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PartPath returns the resumable partial-download file for d. Unlike Writer
// temp files it is stable across attempts so an interrupted transfer can be
// continued with a Range request.
func (c *Cache) PartPath(d digest.Digest) string {
	return filepath.Join(c.tmpDir, d.String()+".part")
}

// CommitPart publishes the resumable part file for d as the completed
// blob. Racing with another publisher of the same digest is not an error;
// the existing blob wins and the part file is discarded.
func (c *Cache) CommitPart(d digest.Digest) (string, error) {
	final := c.Path(d)
	if _, err := os.Stat(final); err == nil {
		_ = os.Remove(c.PartPath(d))
		return final, nil
	}
	if err := os.Rename(c.PartPath(d), final); err != nil {
		if _, statErr := os.Stat(final); statErr == nil {
			_ = os.Remove(c.PartPath(d))
			return final, nil
		}
		return "", err
	}
	return final, nil
}

// DiscardPart removes the resumable part file for d.
func (c *Cache) DiscardPart(d digest.Digest) {
	_ = os.Remove(c.PartPath(d))
}

// StartWrite opens a writer staging into a unique temp file.
func (c *Cache) StartWrite(d digest.Digest) (*Writer, error) {
	tmpPath := filepath.Join(c.tmpDir, fmt.Sprintf("%s.%s.tar.gz.part", d.String(), uuid.NewString()))
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, err
	}
	return &Writer{
		f:         f,
		tmpPath:   tmpPath,
		finalPath: c.Path(d),
	}, nil
}

// Prune removes completed blobs older than ttl for which keep returns
// false. It returns the digests removed. Partial files older than ttl are
// removed unconditionally.
func (c *Cache) Prune(ttl time.Duration, keep func(digest.Digest) bool) ([]digest.Digest, error) {
	entries, err := os.ReadDir(c.blobsDir)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-ttl)

	var removed []digest.Digest
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".tar.gz")
		if !ok || !digest.Valid(name) {
			continue
		}
		d, err := digest.Parse(name)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if keep != nil && keep(d) {
			continue
		}
		if err := os.Remove(filepath.Join(c.blobsDir, entry.Name())); err == nil {
			removed = append(removed, d)
		}
	}

	if tmp, err := os.ReadDir(c.tmpDir); err == nil {
		for _, entry := range tmp {
			info, err := entry.Info()
			if err == nil && info.ModTime().Before(cutoff) {
				_ = os.Remove(filepath.Join(c.tmpDir, entry.Name()))
			}
		}
	}
	return removed, nil
}

// Writer stages a blob write. Commit publishes it; Abort (or a dropped
// writer via Abort in a defer) discards the temp file.
type Writer struct {
	f         *os.File
	tmpPath   string
	finalPath string
	committed bool
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Commit flushes and atomically publishes the blob. If a racing download
// already published the same digest, the temp file is discarded and the
// existing blob wins.
func (w *Writer) Commit() (string, error) {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return "", err
	}
	if err := w.f.Close(); err != nil {
		return "", err
	}

	if _, err := os.Stat(w.finalPath); err == nil {
		_ = os.Remove(w.tmpPath)
		w.committed = true
		return w.finalPath, nil
	}

	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		if _, statErr := os.Stat(w.finalPath); statErr == nil {
			_ = os.Remove(w.tmpPath)
			w.committed = true
			return w.finalPath, nil
		}
		return "", err
	}
	w.committed = true
	return w.finalPath, nil
}

// Abort discards the staged write. Safe to call after Commit.
func (w *Writer) Abort() {
	if w.committed {
		return
	}
	w.f.Close()
	_ = os.Remove(w.tmpPath)
}
