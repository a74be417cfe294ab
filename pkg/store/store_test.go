package store

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tj-moody/zerobrew/pkg/digest"
	zberr "github.com/tj-moody/zerobrew/pkg/errors"
	"github.com/tj-moody/zerobrew/pkg/lockfile"
)

// bottleArchive builds a minimal gzipped bottle tarball and returns the
// archive bytes plus their digest.
func bottleArchive(t *testing.T, name string) ([]byte, digest.Digest) {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	content := "#!/bin/sh\necho " + name
	for _, hdr := range []*tar.Header{
		{Name: name + "/1.0.0/", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: name + "/1.0.0/bin/", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: name + "/1.0.0/bin/" + name, Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(content))},
	} {
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.WriteString(tw, content); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(tarBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), digest.FromBytes(buf.Bytes())
}

func newStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	locks, err := lockfile.NewManager(filepath.Join(root, "locks"), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(filepath.Join(root, "store"), locks)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func opener(data []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

func TestIngestPublishesReadyEntry(t *testing.T) {
	s := newStore(t)
	archive, d := bottleArchive(t, "jq")

	if s.Has(d) {
		t.Fatal("entry should not exist before ingest")
	}

	entry, err := s.Ingest(context.Background(), d, opener(archive))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !s.Has(d) {
		t.Error("entry should be ready after ingest")
	}
	if entry.Size <= 0 {
		t.Errorf("entry size = %d", entry.Size)
	}
	if _, err := os.Stat(filepath.Join(s.Path(d), "jq/1.0.0/bin/jq")); err != nil {
		t.Errorf("extracted tree incomplete: %v", err)
	}
}

func TestIngestIdempotent(t *testing.T) {
	s := newStore(t)
	archive, d := bottleArchive(t, "jq")
	ctx := context.Background()

	if _, err := s.Ingest(ctx, d, opener(archive)); err != nil {
		t.Fatal(err)
	}

	var opened atomic.Int32
	_, err := s.Ingest(ctx, d, func() (io.ReadCloser, error) {
		opened.Add(1)
		return io.NopCloser(bytes.NewReader(archive)), nil
	})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if opened.Load() != 0 {
		t.Error("a ready entry must not reopen the stream")
	}
}

func TestIngestDigestMismatchLeavesNothing(t *testing.T) {
	s := newStore(t)
	archive, _ := bottleArchive(t, "jq")
	wrong := digest.FromBytes([]byte("something else"))

	_, err := s.Ingest(context.Background(), wrong, opener(archive))
	if !zberr.Is(err, zberr.CodeDigestMismatch) {
		t.Fatalf("expected DIGEST_MISMATCH, got %v", err)
	}
	if s.Has(wrong) {
		t.Error("mismatched ingest must not publish an entry")
	}
	if _, err := os.Stat(s.Path(wrong)); !os.IsNotExist(err) {
		t.Error("no entry directory may exist after a mismatch")
	}

	// The staging area holds no leftovers.
	tmp, err := os.ReadDir(s.tmp)
	if err != nil {
		t.Fatal(err)
	}
	if len(tmp) != 0 {
		t.Errorf("staging area not cleaned: %d leftovers", len(tmp))
	}
}

func TestIngestRejectsUnsafeArchive(t *testing.T) {
	s := newStore(t)

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	if err := tw.WriteHeader(&tar.Header{Name: "../escape", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1}); err != nil {
		t.Fatal(err)
	}
	_, _ = tw.Write([]byte("x"))
	_ = tw.Close()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, _ = gw.Write(tarBuf.Bytes())
	_ = gw.Close()
	d := digest.FromBytes(buf.Bytes())

	_, err := s.Ingest(context.Background(), d, opener(buf.Bytes()))
	if !zberr.Is(err, zberr.CodeUnsafePath) {
		t.Fatalf("expected UNSAFE_PATH, got %v", err)
	}
	if s.Has(d) {
		t.Error("unsafe archive must not produce a store entry")
	}
}

func TestConcurrentIngestRunsOnce(t *testing.T) {
	s := newStore(t)
	archive, d := bottleArchive(t, "git")

	var opened atomic.Int32
	open := func() (io.ReadCloser, error) {
		opened.Add(1)
		return io.NopCloser(bytes.NewReader(archive)), nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Ingest(context.Background(), d, open)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("ingester %d: %v", i, err)
		}
	}
	if opened.Load() != 1 {
		t.Errorf("archive opened %d times, want 1", opened.Load())
	}
	if !s.Has(d) {
		t.Error("entry should be ready")
	}
}

func TestRemove(t *testing.T) {
	s := newStore(t)
	archive, d := bottleArchive(t, "jq")
	ctx := context.Background()

	if _, err := s.Ingest(ctx, d, opener(archive)); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, d); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Has(d) {
		t.Error("entry should be gone")
	}
	// Removing again is fine.
	if err := s.Remove(ctx, d); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestEntriesListsOnlyReady(t *testing.T) {
	s := newStore(t)
	archive, d := bottleArchive(t, "jq")
	ctx := context.Background()

	if _, err := s.Ingest(ctx, d, opener(archive)); err != nil {
		t.Fatal(err)
	}

	// A directory without a sentinel is not ready.
	partial := digest.FromBytes([]byte("partial"))
	if err := os.MkdirAll(s.Path(partial), 0o755); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0] != d {
		t.Errorf("Entries = %v, want [%s]", entries, d.Short())
	}
}
