package cellar

import (
	"io"
	"os"
	"path/filepath"
)

// CloneTree replicates the tree at src to dst as cheaply as the filesystem
// allows: a copy-on-write clone where supported (APFS clonefile), otherwise
// hardlinks per file, otherwise byte copies. dst must not exist.
func CloneTree(src, dst string) error {
	if err := cloneFileCopy(src, dst); err == nil {
		return nil
	}
	return cloneFallback(src, dst)
}

// cloneFallback walks src, hardlinking regular files into dst and copying
// when linking fails (e.g. across devices).
func cloneFallback(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			if err := os.Link(path, target); err == nil {
				return nil
			}
			return copyFile(path, target, info)
		default:
			// Sockets, devices and the like never appear in store entries.
			return nil
		}
	})
}

func copyFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

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
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
