package extract

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	zberr "github.com/tj-moody/zerobrew/pkg/errors"
)

type entry struct {
	name     string
	typeflag byte
	mode     int64
	body     string
	linkname string
}

func buildTar(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     e.mode,
			Linkname: e.linkname,
			ModTime:  time.Now(),
		}
		if e.typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if e.typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func xzed(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := xw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := xw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func bottleEntries() []entry {
	return []entry{
		{name: "jq/1.7.1/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "jq/1.7.1/bin/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "jq/1.7.1/bin/jq", typeflag: tar.TypeReg, mode: 0o755, body: "#!/bin/sh\necho jq"},
		{name: "jq/1.7.1/README", typeflag: tar.TypeReg, mode: 0o644, body: "docs"},
	}
}

func TestExtractGzip(t *testing.T) {
	dir := t.TempDir()
	data := gzipped(t, buildTar(t, bottleEntries()))

	if err := Extract(bytes.NewReader(data), dir); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	bin := filepath.Join(dir, "jq/1.7.1/bin/jq")
	info, err := os.Stat(bin)
	if err != nil {
		t.Fatalf("stat extracted file: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
	body, _ := os.ReadFile(bin)
	if string(body) != "#!/bin/sh\necho jq" {
		t.Errorf("body = %q", body)
	}
}

func TestExtractXz(t *testing.T) {
	dir := t.TempDir()
	data := xzed(t, buildTar(t, bottleEntries()))

	if err := Extract(bytes.NewReader(data), dir); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "jq/1.7.1/bin/jq")); err != nil {
		t.Errorf("extracted file missing: %v", err)
	}
}

func TestExtractNormalizesTimestamps(t *testing.T) {
	dir := t.TempDir()
	data := gzipped(t, buildTar(t, bottleEntries()))

	if err := Extract(bytes.NewReader(data), dir); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	for _, p := range []string{"jq/1.7.1", "jq/1.7.1/bin/jq", "jq/1.7.1/README"} {
		info, err := os.Stat(filepath.Join(dir, p))
		if err != nil {
			t.Fatal(err)
		}
		if !info.ModTime().Equal(epoch) {
			t.Errorf("%s mtime = %v, want %v", p, info.ModTime(), epoch)
		}
	}
}

func TestExtractRejectsDotDot(t *testing.T) {
	dir := t.TempDir()
	data := gzipped(t, buildTar(t, []entry{
		{name: "../evil", typeflag: tar.TypeReg, mode: 0o644, body: "escape"},
	}))

	err := Extract(bytes.NewReader(data), dir)
	if !zberr.Is(err, zberr.CodeUnsafePath) {
		t.Fatalf("expected UNSAFE_PATH, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "evil")); !os.IsNotExist(statErr) {
		t.Error("escaping entry must not be written")
	}
}

func TestExtractRejectsAbsolutePath(t *testing.T) {
	dir := t.TempDir()
	data := gzipped(t, buildTar(t, []entry{
		{name: "/etc/passwd", typeflag: tar.TypeReg, mode: 0o644, body: "x"},
	}))

	err := Extract(bytes.NewReader(data), dir)
	if !zberr.Is(err, zberr.CodeUnsafePath) {
		t.Fatalf("expected UNSAFE_PATH, got %v", err)
	}
}

func TestExtractSymlink(t *testing.T) {
	dir := t.TempDir()
	entries := append(bottleEntries(), entry{
		name: "jq/1.7.1/bin/jq-link", typeflag: tar.TypeSymlink, linkname: "jq",
	})
	data := gzipped(t, buildTar(t, entries))

	if err := Extract(bytes.NewReader(data), dir); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	target, err := os.Readlink(filepath.Join(dir, "jq/1.7.1/bin/jq-link"))
	if err != nil || target != "jq" {
		t.Errorf("readlink = %q, err %v", target, err)
	}
}

func TestExtractHardlinkBecomesCopy(t *testing.T) {
	dir := t.TempDir()
	entries := append(bottleEntries(), entry{
		name: "jq/1.7.1/bin/jq-copy", typeflag: tar.TypeLink, linkname: "jq/1.7.1/bin/jq",
	})
	data := gzipped(t, buildTar(t, entries))

	if err := Extract(bytes.NewReader(data), dir); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	orig := filepath.Join(dir, "jq/1.7.1/bin/jq")
	cp := filepath.Join(dir, "jq/1.7.1/bin/jq-copy")
	a, _ := os.ReadFile(orig)
	b, err := os.ReadFile(cp)
	if err != nil || !bytes.Equal(a, b) {
		t.Fatalf("hardlink copy mismatch: %v", err)
	}

	origInfo, _ := os.Stat(orig)
	cpInfo, _ := os.Stat(cp)
	if os.SameFile(origInfo, cpInfo) {
		t.Error("hardlink should be materialized as an independent copy")
	}
}

func TestExtractRejectsUnsupportedEntry(t *testing.T) {
	dir := t.TempDir()
	data := gzipped(t, buildTar(t, []entry{
		{name: "dev/null", typeflag: tar.TypeChar, mode: 0o644},
	}))

	err := Extract(bytes.NewReader(data), dir)
	if !zberr.Is(err, zberr.CodeUnsupportedEntry) {
		t.Fatalf("expected UNSUPPORTED_ENTRY, got %v", err)
	}
}

func TestExtractRejectsUnknownCompression(t *testing.T) {
	dir := t.TempDir()
	err := Extract(bytes.NewReader([]byte("plain text, not an archive")), dir)
	if !zberr.Is(err, zberr.CodeExtractFailed) {
		t.Fatalf("expected EXTRACT_FAILED, got %v", err)
	}
}

func TestExtractIsReproducible(t *testing.T) {
	data := gzipped(t, buildTar(t, bottleEntries()))

	dirA, dirB := t.TempDir(), t.TempDir()
	if err := Extract(bytes.NewReader(data), dirA); err != nil {
		t.Fatal(err)
	}
	if err := Extract(bytes.NewReader(data), dirB); err != nil {
		t.Fatal(err)
	}

	var pathsA []string
	_ = filepath.Walk(dirA, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dirA, path)
		pathsA = append(pathsA, rel)
		other := filepath.Join(dirB, rel)
		otherInfo, err := os.Stat(other)
		if err != nil {
			t.Errorf("missing in second extraction: %s", rel)
			return nil
		}
		if info.Mode() != otherInfo.Mode() || !info.ModTime().Equal(otherInfo.ModTime()) {
			t.Errorf("%s differs between extractions", rel)
		}
		if !info.IsDir() {
			a, _ := os.ReadFile(path)
			b, _ := os.ReadFile(other)
			if !bytes.Equal(a, b) {
				t.Errorf("%s content differs", rel)
			}
		}
		return nil
	})
	if len(pathsA) == 0 {
		t.Fatal("walk found nothing")
	}
}
