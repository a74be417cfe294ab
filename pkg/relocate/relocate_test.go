package relocate

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	oldPrefix = "/home/linuxbrew/.linuxbrew"
	newPrefix = "/opt/zerobrew/prefix"
)

func testOptions() Options {
	return Options{
		NewPrefix:     newPrefix,
		NewCellar:     newPrefix + "/Cellar",
		Name:          "git",
		Version:       "2.45.0",
		BuildPrefixes: []string{oldPrefix, "/opt/homebrew"},
	}
}

func TestPatchTextRewritesPlaceholdersAndPrefixes(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "wrapper.sh")
	content := `#!/bin/bash
export GIT_EXEC_PATH=` + oldPrefix + `/opt/git/libexec/git-core
export PREFIX=@@HOMEBREW_PREFIX@@
export CELLAR=@@HOMEBREW_CELLAR@@
export LIBRARY=@@HOMEBREW_LIBRARY@@
export PERL=@@HOMEBREW_PERL@@
`
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := Tree(context.Background(), dir, testOptions()); err != nil {
		t.Fatalf("Tree: %v", err)
	}

	patched, _ := os.ReadFile(script)
	s := string(patched)
	for _, want := range []string{
		newPrefix + "/opt/git/libexec/git-core",
		"PREFIX=" + newPrefix,
		"CELLAR=" + newPrefix + "/Cellar",
		"LIBRARY=" + newPrefix + "/Library",
		"PERL=/usr/bin/perl",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("patched script missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, oldPrefix) || strings.Contains(s, "@@HOMEBREW_") {
		t.Errorf("old prefix or placeholder survived:\n%s", s)
	}

	info, _ := os.Stat(script)
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode changed to %v", info.Mode().Perm())
	}
}

func machoBlob(prefix string) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0xfe, 0xed, 0xfa, 0xcf})
	buf.WriteString("some random data\x00")
	buf.WriteString(prefix + "/opt/git/libexec/git-core\x00")
	buf.WriteString("more data\x00")
	buf.WriteString(prefix + "/lib/libfoo.dylib\x00")
	return buf.Bytes()
}

func TestPatchBinaryRewritesAtPathBoundary(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "git")
	original := machoBlob(oldPrefix)
	if err := os.WriteFile(bin, original, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := Tree(context.Background(), dir, testOptions()); err != nil {
		t.Fatalf("Tree: %v", err)
	}

	patched, _ := os.ReadFile(bin)
	if len(patched) != len(original) {
		t.Fatalf("binary length changed: %d -> %d", len(original), len(patched))
	}
	if bytes.Contains(patched, []byte(oldPrefix)) {
		t.Error("old prefix survived in binary")
	}
	if !bytes.Contains(patched, []byte(newPrefix)) {
		t.Error("new prefix missing from binary")
	}
	// NUL padding keeps the strings NUL-terminated.
	if !bytes.Contains(patched, []byte(newPrefix+"/opt/git/libexec/git-core\x00")) {
		t.Error("patched path should remain NUL-terminated")
	}
}

func TestPatchBinarySkipsWhenNewPrefixLonger(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "git")
	original := machoBlob("/opt/homebrew")
	if err := os.WriteFile(bin, original, 0o755); err != nil {
		t.Fatal(err)
	}

	opts := testOptions()
	opts.BuildPrefixes = []string{"/opt/homebrew"}
	// newPrefix (20 bytes) is longer than /opt/homebrew (13 bytes).
	if err := Tree(context.Background(), dir, opts); err != nil {
		t.Fatalf("Tree: %v", err)
	}

	patched, _ := os.ReadFile(bin)
	if !bytes.Equal(patched, original) {
		t.Error("binary should be unchanged when the new prefix is longer than the old")
	}
}

func TestPatchBinaryIgnoresNonBoundaryMatches(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "blob")
	content := append([]byte{0xfe, 0xed, 0xfa, 0xcf}, []byte(oldPrefix+"ish-but-not-a-path\x00")...)
	if err := os.WriteFile(bin, content, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := Tree(context.Background(), dir, testOptions()); err != nil {
		t.Fatalf("Tree: %v", err)
	}
	patched, _ := os.ReadFile(bin)
	if !bytes.Equal(patched, content) {
		t.Error("prefix match without a path boundary must not be rewritten")
	}
}

func TestPatchTextLeavesBinaryFilesAlone(t *testing.T) {
	dir := t.TempDir()
	// NUL bytes but no Mach-O magic: treated as opaque data.
	blob := filepath.Join(dir, "data.bin")
	content := []byte("header\x00" + oldPrefix + "/lib\x00")
	if err := os.WriteFile(blob, content, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Tree(context.Background(), dir, testOptions()); err != nil {
		t.Fatalf("Tree: %v", err)
	}
	after, _ := os.ReadFile(blob)
	if !bytes.Equal(after, content) {
		t.Error("non-Mach-O binary data should be untouched")
	}
}

func TestPatchTextRestoresReadOnlyMode(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "ro.sh")
	if err := os.WriteFile(script, []byte("PREFIX=@@HOMEBREW_PREFIX@@\n"), 0o444); err != nil {
		t.Fatal(err)
	}

	if err := Tree(context.Background(), dir, testOptions()); err != nil {
		t.Fatalf("Tree: %v", err)
	}

	patched, _ := os.ReadFile(script)
	if !strings.Contains(string(patched), newPrefix) {
		t.Error("read-only file should still be patched")
	}
	info, _ := os.Stat(script)
	if info.Mode().Perm() != 0o444 {
		t.Errorf("mode = %v, want 0444 restored", info.Mode().Perm())
	}
}

func TestTreeSkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.sh")
	if err := os.WriteFile(target, []byte("PREFIX=@@HOMEBREW_PREFIX@@\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("real.sh", filepath.Join(dir, "alias.sh")); err != nil {
		t.Fatal(err)
	}

	if err := Tree(context.Background(), dir, testOptions()); err != nil {
		t.Fatalf("Tree: %v", err)
	}
	// The symlink itself must survive as a symlink.
	if _, err := os.Readlink(filepath.Join(dir, "alias.sh")); err != nil {
		t.Errorf("symlink should remain a symlink: %v", err)
	}
}
