package cellar

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	zberr "github.com/tj-moody/zerobrew/pkg/errors"
)

// setupStoreEntry fakes an extracted bottle tree: <name>/<version>/bin/<name>.
func setupStoreEntry(t *testing.T, root, name, version string) string {
	t.Helper()
	entry := filepath.Join(root, "store-entry")
	bin := filepath.Join(entry, name, version, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\necho "+name), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(name, filepath.Join(bin, name+"-alias")); err != nil {
		t.Fatal(err)
	}
	return entry
}

func newCellar(t *testing.T, root string) *Cellar {
	t.Helper()
	prefix := filepath.Join(root, "prefix")
	c, err := New(filepath.Join(prefix, "Cellar"), prefix)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestMaterializeCreatesKeg(t *testing.T) {
	root := t.TempDir()
	entry := setupStoreEntry(t, root, "jq", "1.7.1")
	c := newCellar(t, root)

	keg, err := c.Materialize(context.Background(), "jq", "1.7.1", entry)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if keg != c.KegPath("jq", "1.7.1") {
		t.Errorf("keg = %q", keg)
	}

	exe := filepath.Join(keg, "bin", "jq")
	data, err := os.ReadFile(exe)
	if err != nil || !bytes.Contains(data, []byte("echo jq")) {
		t.Errorf("materialized executable: %q, err %v", data, err)
	}
	info, _ := os.Stat(exe)
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}

	// Symlinks inside the tree are preserved as symlinks.
	if _, err := os.Readlink(filepath.Join(keg, "bin", "jq-alias")); err != nil {
		t.Errorf("symlink not preserved: %v", err)
	}
}

func TestMaterializeConflictOnExistingKeg(t *testing.T) {
	root := t.TempDir()
	entry := setupStoreEntry(t, root, "jq", "1.7.1")
	c := newCellar(t, root)

	if _, err := c.Materialize(context.Background(), "jq", "1.7.1", entry); err != nil {
		t.Fatal(err)
	}
	_, err := c.Materialize(context.Background(), "jq", "1.7.1", entry)
	if !zberr.Is(err, zberr.CodeMaterializeConflict) {
		t.Fatalf("expected MATERIALIZE_CONFLICT, got %v", err)
	}
}

func TestMaterializeFlatEntry(t *testing.T) {
	// Entries without the <name>/<version> nesting are cloned wholesale.
	root := t.TempDir()
	entry := filepath.Join(root, "flat-entry")
	if err := os.MkdirAll(filepath.Join(entry, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(entry, "bin", "tool"), []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}

	c := newCellar(t, root)
	keg, err := c.Materialize(context.Background(), "tool", "0.1", entry)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if _, err := os.Stat(filepath.Join(keg, "bin", "tool")); err != nil {
		t.Errorf("flat entry not cloned: %v", err)
	}
}

func TestMaterializeRelocatesPlaceholders(t *testing.T) {
	root := t.TempDir()
	entry := setupStoreEntry(t, root, "git", "2.45.0")
	script := filepath.Join(entry, "git", "2.45.0", "bin", "git-wrapper")
	if err := os.WriteFile(script, []byte("PREFIX=@@HOMEBREW_PREFIX@@\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	c := newCellar(t, root)
	keg, err := c.Materialize(context.Background(), "git", "2.45.0", entry)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(keg, "bin", "git-wrapper"))
	want := "PREFIX=" + filepath.Join(root, "prefix")
	if !bytes.Contains(data, []byte(want)) {
		t.Errorf("relocation missing: %q", data)
	}
	// The store entry itself stays untouched.
	orig, _ := os.ReadFile(script)
	if !bytes.Contains(orig, []byte("@@HOMEBREW_PREFIX@@")) {
		t.Error("store entry must not be mutated by materialization")
	}
}

func TestRemoveKegAndEmptyParent(t *testing.T) {
	root := t.TempDir()
	entry := setupStoreEntry(t, root, "jq", "1.7.1")
	c := newCellar(t, root)

	if _, err := c.Materialize(context.Background(), "jq", "1.7.1", entry); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove("jq", "1.7.1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if c.Exists("jq", "1.7.1") {
		t.Error("keg should be gone")
	}
	if _, err := os.Stat(filepath.Join(c.Dir(), "jq")); !os.IsNotExist(err) {
		t.Error("empty package directory should be removed")
	}
}

func TestVersions(t *testing.T) {
	root := t.TempDir()
	entry := setupStoreEntry(t, root, "jq", "1.7.1")
	c := newCellar(t, root)

	versions, err := c.Versions("jq")
	if err != nil || versions != nil {
		t.Errorf("Versions before materialize = %v, %v", versions, err)
	}

	if _, err := c.Materialize(context.Background(), "jq", "1.7.1", entry); err != nil {
		t.Fatal(err)
	}
	versions, err = c.Versions("jq")
	if err != nil || len(versions) != 1 || versions[0] != "1.7.1" {
		t.Errorf("Versions = %v, %v", versions, err)
	}
}

func TestCloneTreeFallbackSharesContent(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	if err := os.MkdirAll(filepath.Join(src, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "lib", "data"), []byte("shared"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(root, "dst")
	if err := CloneTree(src, dst); err != nil {
		t.Fatalf("CloneTree: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dst, "lib", "data"))
	if err != nil || string(data) != "shared" {
		t.Errorf("cloned content = %q, err %v", data, err)
	}
}
