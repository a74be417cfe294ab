// Package linker populates the shared prefix directories (bin, opt,
// share/man) with symlinks into materialized kegs, and mirrors the removal
// on uninstall.
//
// Conflict policy: an existing link into a different package's keg is a
// hard LINK_CONFLICT, a link into the same keg is idempotently kept, and a
// dangling link is reclaimed. Unlink removes exactly the links whose
// canonical target lies inside the keg being removed.
package linker

import (
	"os"
	"path/filepath"
	"strings"

	zberr "github.com/tj-moody/zerobrew/pkg/errors"
)

// Linker manages the shared symlink directories of one prefix.
type Linker struct {
	prefix string
	bin    string
	opt    string
	man    string
}

// LinkedFile records one created symlink.
type LinkedFile struct {
	Link   string // The symlink in the shared directory
	Target string // The file inside the keg it points at
}

// New creates the shared directories under prefix.
func New(prefix string) (*Linker, error) {
	l := &Linker{
		prefix: prefix,
		bin:    filepath.Join(prefix, "bin"),
		opt:    filepath.Join(prefix, "opt"),
		man:    filepath.Join(prefix, "share", "man"),
	}
	for _, dir := range []string{l.bin, l.opt} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// LinkKeg links a keg's executables into bin/, its man pages into
// share/man/man*/, and creates the opt/<name> symlink. Returns the created
// links. On conflict the keg is left partially linked; the caller unlinks
// on failure.
func (l *Linker) LinkKeg(kegPath string) ([]LinkedFile, error) {
	if err := l.linkOpt(kegPath); err != nil {
		return nil, err
	}

	// Links resolving anywhere under Cellar/<name> belong to this package
	// (an older version, typically) and are replaced rather than treated
	// as conflicts.
	pkgDir := filepath.Dir(kegPath)

	var linked []LinkedFile

	files, err := l.linkDir(filepath.Join(kegPath, "bin"), l.bin, pkgDir)
	if err != nil {
		return linked, err
	}
	linked = append(linked, files...)

	manRoot := filepath.Join(kegPath, "share", "man")
	sections, err := os.ReadDir(manRoot)
	if err == nil {
		for _, section := range sections {
			if !section.IsDir() || !strings.HasPrefix(section.Name(), "man") {
				continue
			}
			files, err := l.linkDir(
				filepath.Join(manRoot, section.Name()),
				filepath.Join(l.man, section.Name()),
				pkgDir,
			)
			if err != nil {
				return linked, err
			}
			linked = append(linked, files...)
		}
	}

	return linked, nil
}

// linkDir links every entry of srcDir into dstDir, applying the conflict
// policy per entry.
func (l *Linker) linkDir(srcDir, dstDir, pkgDir string) ([]LinkedFile, error) {
	entries, err := os.ReadDir(srcDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, zberr.Wrap(zberr.CodeLinkConflict, err, "read %s", srcDir)
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, zberr.Wrap(zberr.CodeLinkConflict, err, "create %s", dstDir)
	}

	var linked []LinkedFile
	for _, entry := range entries {
		target := filepath.Join(srcDir, entry.Name())
		link := filepath.Join(dstDir, entry.Name())

		switch state := classify(link, target, pkgDir); state {
		case linkOurs:
			linked = append(linked, LinkedFile{Link: link, Target: target})
			continue
		case linkSamePackage, linkDangling:
			if err := os.Remove(link); err != nil {
				return linked, zberr.Wrap(zberr.CodeLinkConflict, err, "replace link %s", link)
			}
		case linkConflict:
			return linked, zberr.New(zberr.CodeLinkConflict, "%s already exists and is not owned by this package", link)
		case linkFree:
		}

		if err := os.Symlink(target, link); err != nil {
			return linked, zberr.Wrap(zberr.CodeLinkConflict, err, "link %s", link)
		}
		linked = append(linked, LinkedFile{Link: link, Target: target})
	}
	return linked, nil
}

// UnlinkKeg removes every shared link whose canonical target lies inside
// the keg, plus the opt symlink. Returns the removed link paths.
func (l *Linker) UnlinkKeg(kegPath string) ([]string, error) {
	var removed []string

	kegCanonical, err := filepath.EvalSymlinks(kegPath)
	if err != nil {
		kegCanonical = kegPath
	}

	if path := l.unlinkOpt(kegPath); path != "" {
		removed = append(removed, path)
	}

	dirs := []string{l.bin}
	if sections, err := os.ReadDir(l.man); err == nil {
		for _, section := range sections {
			if section.IsDir() {
				dirs = append(dirs, filepath.Join(l.man, section.Name()))
			}
		}
	}

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			link := filepath.Join(dir, entry.Name())
			if entry.Type()&os.ModeSymlink == 0 {
				continue
			}
			resolved, err := filepath.EvalSymlinks(link)
			if err != nil {
				continue
			}
			if isWithin(kegCanonical, resolved) {
				if err := os.Remove(link); err == nil {
					removed = append(removed, link)
				}
			}
		}
	}
	return removed, nil
}

// IsLinked reports whether any bin entry of the keg is currently linked.
func (l *Linker) IsLinked(kegPath string) bool {
	entries, err := os.ReadDir(filepath.Join(kegPath, "bin"))
	if err != nil {
		return false
	}
	for _, entry := range entries {
		link := filepath.Join(l.bin, entry.Name())
		if classify(link, filepath.Join(kegPath, "bin", entry.Name()), filepath.Dir(kegPath)) == linkOurs {
			return true
		}
	}
	return false
}

// ReclaimDangling removes broken symlinks from the shared directories.
// Returns the removed link paths.
func (l *Linker) ReclaimDangling() []string {
	var removed []string
	for _, dir := range []string{l.bin, l.opt} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			link := filepath.Join(dir, entry.Name())
			if entry.Type()&os.ModeSymlink == 0 {
				continue
			}
			if _, err := os.Stat(link); err != nil {
				if err := os.Remove(link); err == nil {
					removed = append(removed, link)
				}
			}
		}
	}
	return removed
}

// linkOpt creates opt/<name> -> kegPath.
func (l *Linker) linkOpt(kegPath string) error {
	name := filepath.Base(filepath.Dir(kegPath))
	if name == "." || name == string(filepath.Separator) {
		return zberr.New(zberr.CodeLinkConflict, "cannot determine package name from keg path %s", kegPath)
	}
	optLink := filepath.Join(l.opt, name)

	if resolved, err := filepath.EvalSymlinks(optLink); err == nil {
		kegCanonical, kerr := filepath.EvalSymlinks(kegPath)
		if kerr == nil && resolved == kegCanonical {
			return nil
		}
		// A previous version of the same package: replace.
		if err := os.Remove(optLink); err != nil {
			return zberr.Wrap(zberr.CodeLinkConflict, err, "replace opt link %s", optLink)
		}
	} else if _, lerr := os.Lstat(optLink); lerr == nil {
		// Dangling opt link.
		if err := os.Remove(optLink); err != nil {
			return zberr.Wrap(zberr.CodeLinkConflict, err, "reclaim opt link %s", optLink)
		}
	}

	if err := os.Symlink(kegPath, optLink); err != nil {
		return zberr.Wrap(zberr.CodeLinkConflict, err, "create opt link %s", optLink)
	}
	return nil
}

// unlinkOpt removes opt/<name> if it points into the keg. Returns the
// removed path or "".
func (l *Linker) unlinkOpt(kegPath string) string {
	name := filepath.Base(filepath.Dir(kegPath))
	optLink := filepath.Join(l.opt, name)

	resolved, err := filepath.EvalSymlinks(optLink)
	if err != nil {
		return ""
	}
	kegCanonical, err := filepath.EvalSymlinks(kegPath)
	if err != nil {
		kegCanonical = kegPath
	}
	if resolved == kegCanonical {
		if os.Remove(optLink) == nil {
			return optLink
		}
	}
	return ""
}

// Link states for the conflict policy.
type linkState int

const (
	linkFree        linkState = iota // Nothing at the link path
	linkOurs                         // Symlink already resolving to our target
	linkSamePackage                  // Symlink into another version of this package
	linkDangling                     // Symlink whose target no longer exists
	linkConflict                     // Real file, or symlink into another package
)

func classify(link, target, pkgDir string) linkState {
	if _, err := os.Lstat(link); err != nil {
		return linkFree
	}
	existing, err := os.Readlink(link)
	if err != nil {
		// A real file, not a symlink.
		return linkConflict
	}
	if existing != "" && !filepath.IsAbs(existing) {
		existing = filepath.Join(filepath.Dir(link), existing)
	}

	existingCanonical, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return linkDangling
	}
	targetCanonical, err := filepath.EvalSymlinks(target)
	if err != nil {
		return linkConflict
	}
	if existingCanonical == targetCanonical {
		return linkOurs
	}
	if pkgCanonical, err := filepath.EvalSymlinks(pkgDir); err == nil && isWithin(pkgCanonical, existingCanonical) {
		return linkSamePackage
	}
	return linkConflict
}

// isWithin reports whether path is base or inside base.
func isWithin(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
