// Package extract streams gzip- or xz-compressed bottle tarballs into a
// directory, enforcing path safety and normalizing timestamps so identical
// archives produce identical trees.
//
// The reader handed in is consumed exactly once; wrapping it in a
// digest.Verifier lets ingest and verification happen in a single pass.
package extract

import (
	"archive/tar"
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	zberr "github.com/tj-moody/zerobrew/pkg/errors"
)

// epoch is the constant mtime applied to every extracted file, hardlink
// copy, and directory; symlinks keep the time they were created. Constant
// timestamps keep re-extractions bit-identical, which the idempotence
// guarantees of the store rely on.
var epoch = time.Unix(0, 0)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// Extract decompresses and unpacks the tar stream r into dir. Entries with
// absolute paths or ".." components are rejected with UNSAFE_PATH and entry
// types other than files, directories, symlinks, and hardlinks abort with
// UNSUPPORTED_ENTRY. File modes are preserved; mtimes are normalized.
func Extract(r io.Reader, dir string) error {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(xzMagic))
	if err != nil {
		return zberr.Wrap(zberr.CodeExtractFailed, err, "read archive header")
	}

	var tr *tar.Reader
	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return zberr.Wrap(zberr.CodeExtractFailed, err, "open gzip stream")
		}
		defer gz.Close()
		tr = tar.NewReader(gz)
	case bytes.HasPrefix(magic, xzMagic):
		xr, err := xz.NewReader(br)
		if err != nil {
			return zberr.Wrap(zberr.CodeExtractFailed, err, "open xz stream")
		}
		tr = tar.NewReader(xr)
	default:
		return zberr.New(zberr.CodeExtractFailed, "unrecognized compression (magic % x)", magic[:2])
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return zberr.Wrap(zberr.CodeExtractFailed, err, "read tar entry")
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()|0o700); err != nil {
				return zberr.Wrap(zberr.CodeExtractFailed, err, "create directory %s", hdr.Name)
			}

		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return zberr.Wrap(zberr.CodeExtractFailed, err, "write %s", hdr.Name)
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return zberr.Wrap(zberr.CodeExtractFailed, err, "create parent of %s", hdr.Name)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return zberr.Wrap(zberr.CodeExtractFailed, err, "symlink %s", hdr.Name)
			}

		case tar.TypeLink:
			// Hardlinks are resolved to copies within the target tree.
			src, err := safeJoin(dir, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := copyFile(src, target); err != nil {
				return zberr.Wrap(zberr.CodeExtractFailed, err, "copy hardlink %s", hdr.Name)
			}

		case tar.TypeXGlobalHeader:
			// PAX global metadata carries no file content.
			continue

		default:
			return zberr.New(zberr.CodeUnsupportedEntry,
				"unsupported tar entry type %q for %s", hdr.Typeflag, hdr.Name)
		}

		if hdr.Typeflag == tar.TypeReg || hdr.Typeflag == tar.TypeLink {
			if err := os.Chtimes(target, epoch, epoch); err != nil {
				return zberr.Wrap(zberr.CodeExtractFailed, err, "timestamp %s", hdr.Name)
			}
		}
	}

	// Directories are timestamped last (deepest first), after everything
	// inside them is written, so creating children does not disturb the
	// normalized times. This covers implicit parents that had no explicit
	// archive entry.
	var dirs []string
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return zberr.Wrap(zberr.CodeExtractFailed, err, "walk extracted tree")
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chtimes(dirs[i], epoch, epoch); err != nil {
			return zberr.Wrap(zberr.CodeExtractFailed, err, "timestamp %s", dirs[i])
		}
	}
	return nil
}

// safeJoin resolves name under dir, rejecting absolute paths, any ".."
// component, and any path that would escape.
func safeJoin(dir, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || !filepath.IsLocal(filepath.Clean(name)) {
		return "", zberr.New(zberr.CodeUnsafePath, "archive entry %q escapes the target", name)
	}
	for _, elem := range strings.Split(filepath.ToSlash(name), "/") {
		if elem == ".." {
			return "", zberr.New(zberr.CodeUnsafePath, "archive entry %q has a \"..\" component", name)
		}
	}
	return filepath.Join(dir, name), nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	// OpenFile mode is masked by umask; restore the archive's exact bits.
	return os.Chmod(target, mode)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	return func() error {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		return os.Chmod(dst, info.Mode().Perm())
	}()
}
