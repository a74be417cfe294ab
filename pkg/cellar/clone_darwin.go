//go:build darwin

package cellar

import "golang.org/x/sys/unix"

// cloneFileCopy clones the whole tree with clonefile(2), which is recursive
// for directories on APFS: O(metadata) and zero additional disk until files
// diverge.
func cloneFileCopy(src, dst string) error {
	return unix.Clonefile(src, dst, unix.CLONE_NOFOLLOW)
}
