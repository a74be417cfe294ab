// Package relocate rewrites the build-time prefix paths that Homebrew
// bottles embed into the prefix the keg actually lives under.
//
// Bottles are compiled inside one of a few well-known prefixes and carry
// those paths in shebangs, pkg-config files, scripts, and Mach-O load
// commands. After materialization this pass rewrites text files and patches
// binaries in place; on macOS it additionally fixes install names via
// install_name_tool and re-signs what it touched.
package relocate

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	zberr "github.com/tj-moody/zerobrew/pkg/errors"
)

// buildPrefixes are the prefixes upstream bottles are compiled under.
var buildPrefixes = []string{
	"/opt/homebrew",
	"/usr/local/Homebrew",
	"/usr/local",
	"/home/linuxbrew/.linuxbrew",
}

// textProbe is how many leading bytes are sniffed to distinguish text from
// binary files.
const textProbe = 8192

// Options configures a relocation pass.
type Options struct {
	// NewPrefix is the prefix the keg lives under.
	NewPrefix string
	// NewCellar is the Cellar directory under NewPrefix.
	NewCellar string
	// Name and Version identify the keg, used to normalize self-references
	// that point at a different version of the same package.
	Name    string
	Version string
	// BuildPrefixes overrides the known build prefixes (tests).
	BuildPrefixes []string
}

func (o *Options) prefixes() []string {
	if len(o.BuildPrefixes) > 0 {
		return o.BuildPrefixes
	}
	return buildPrefixes
}

// Tree relocates every file under root. Mach-O binaries and text files are
// patched concurrently; on darwin the install-name pass and ad-hoc
// re-signing follow once both are done. Any patch failure aborts with RELOCATION_FAILED.
func Tree(ctx context.Context, root string, opts Options) error {
	if opts.NewPrefix == "" {
		return zberr.New(zberr.CodeRelocationFailed, "no target prefix")
	}

	var machO, text []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		// Symlinks are skipped so shared targets are patched exactly once.
		if !info.Mode().IsRegular() {
			return nil
		}
		if isMachO(path) {
			machO = append(machO, path)
		} else {
			text = append(text, path)
		}
		return nil
	})
	if err != nil {
		return zberr.Wrap(zberr.CodeRelocationFailed, err, "walk %s", root)
	}

	var failures atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for _, path := range machO {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := patchBinary(path, opts.NewPrefix, opts.prefixes()); err != nil {
				failures.Add(1)
			}
			return nil
		})
	}
	for _, path := range text {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := patchText(path, opts); err != nil {
				failures.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return zberr.Wrap(zberr.CodeCancelled, err, "relocating %s", root)
	}
	if n := failures.Load(); n > 0 {
		return zberr.New(zberr.CodeRelocationFailed, "failed to relocate %d files in %s", n, root)
	}

	if runtime.GOOS == "darwin" {
		if err := fixMachONames(ctx, machO, opts); err != nil {
			return err
		}
		stripQuarantine(root)
	}
	return nil
}

// isMachO sniffs the file magic for Mach-O thin and fat binaries.
func isMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var magic [4]byte
	if _, err := f.Read(magic[:]); err != nil {
		return false
	}
	switch [4]byte(magic) {
	case [4]byte{0xfe, 0xed, 0xfa, 0xce}, // MH_MAGIC
		[4]byte{0xfe, 0xed, 0xfa, 0xcf}, // MH_MAGIC_64
		[4]byte{0xce, 0xfa, 0xed, 0xfe}, // MH_CIGAM
		[4]byte{0xcf, 0xfa, 0xed, 0xfe}, // MH_CIGAM_64
		[4]byte{0xca, 0xfe, 0xba, 0xbe}: // FAT_MAGIC
		return true
	}
	return false
}

// patchBinary rewrites build prefixes inside a Mach-O file in place. The
// replacement must not be longer than the original; shorter replacements
// are NUL padded so string tables keep their offsets.
func patchBinary(path, newPrefix string, oldPrefixes []string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	newBytes := []byte(newPrefix)
	patched := false

	for _, oldPrefix := range oldPrefixes {
		if oldPrefix == newPrefix {
			continue
		}
		oldBytes := []byte(oldPrefix)
		if len(newBytes) > len(oldBytes) {
			continue
		}

		for i := 0; i+len(oldBytes) <= len(contents); {
			j := bytes.Index(contents[i:], oldBytes)
			if j < 0 {
				break
			}
			i += j

			// Only rewrite at a path boundary: the byte after the prefix
			// is a separator, NUL, or end of file.
			boundary := i+len(oldBytes) == len(contents) ||
				contents[i+len(oldBytes)] == 0 ||
				contents[i+len(oldBytes)] == '/'
			if boundary {
				// The rest of the NUL-terminated string moves left behind
				// the new prefix; the freed bytes at its end become NULs.
				end := i + len(oldBytes)
				if k := bytes.IndexByte(contents[end:], 0); k >= 0 {
					end += k
				} else {
					end = len(contents)
				}
				n := copy(contents[i:], newBytes)
				n += copy(contents[i+n:], contents[i+len(oldBytes):end])
				for k := i + n; k < end; k++ {
					contents[k] = 0
				}
				patched = true
			}
			i++
		}
	}

	if !patched {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	tmp := path + ".relocate"
	if err := os.WriteFile(tmp, contents, info.Mode().Perm()|0o200); err != nil {
		return err
	}
	if err := os.Chmod(tmp, info.Mode().Perm()); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if runtime.GOOS == "darwin" {
		adhocSign(path)
	}
	return nil
}

// patchText rewrites placeholders and build prefixes in a text file.
// Binary-looking files (NUL in the probe window) are left alone.
func patchText(path string, opts Options) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	probe := make([]byte, textProbe)
	n, _ := f.Read(probe)
	f.Close()
	if bytes.IndexByte(probe[:n], 0) >= 0 {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	content := string(raw)

	if !strings.Contains(content, "@@HOMEBREW_") && !containsAny(content, opts.prefixes()) {
		return nil
	}

	updated := strings.NewReplacer(
		"@@HOMEBREW_PREFIX@@", opts.NewPrefix,
		"@@HOMEBREW_CELLAR@@", opts.NewCellar,
		"@@HOMEBREW_REPOSITORY@@", opts.NewPrefix,
		"@@HOMEBREW_LIBRARY@@", opts.NewPrefix+"/Library",
		"@@HOMEBREW_PERL@@", "/usr/bin/perl",
		"@@HOMEBREW_JAVA@@", "/usr/bin/java",
	).Replace(content)

	for _, oldPrefix := range opts.prefixes() {
		if oldPrefix != opts.NewPrefix {
			updated = strings.ReplaceAll(updated, oldPrefix, opts.NewPrefix)
		}
	}

	if updated == content {
		return nil
	}

	// Write-then-rename rather than in-place: a hardlink-fallback clone
	// shares inodes with the store entry, and the rename is what makes the
	// patched file diverge instead of mutating the store.
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	tmp := path + ".relocate"
	if err := os.WriteFile(tmp, []byte(updated), info.Mode().Perm()|0o200); err != nil {
		return err
	}
	if err := os.Chmod(tmp, info.Mode().Perm()); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// makeWritable lifts a read-only mode for the duration of a patch and
// returns a func restoring the original permissions.
func makeWritable(path string) (func(), error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	mode := info.Mode().Perm()
	if mode&0o200 != 0 {
		return func() {}, nil
	}
	if err := os.Chmod(path, mode|0o200); err != nil {
		return nil, err
	}
	return func() { _ = os.Chmod(path, mode) }, nil
}
