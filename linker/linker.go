// Package linker projects a keg's executables, libraries, headers, and
// manpages into the shared prefix directories (bin, lib, share/man, ...)
// via symbolic links.
package linker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zerobrew/zb/formula"
)

// standardSubdirs are the keg-relative directories the linker walks.
// Every regular file and symlink found under one of these is linked at
// the same relative path under the prefix.
var standardSubdirs = []string{
	"bin",
	"sbin",
	"lib",
	"include",
	"share/man",
	"share/doc",
	"share/info",
	"share/aclocal",
	"share/locale",
	"etc",
}

// LinkedFile records one symlink the linker created.
type LinkedFile struct {
	LinkPath   string
	TargetPath string
}

// Linker places and removes symlinks under prefixDir that point into kegs.
type Linker struct {
	prefixDir string
}

// New creates a Linker rooted at prefixDir.
func New(prefixDir string) *Linker {
	return &Linker{prefixDir: prefixDir}
}

// LinkOptions controls conflict handling for LinkKeg.
type LinkOptions struct {
	// Overwrite replaces conflicting symlinks (but not regular files or
	// directories) instead of failing.
	Overwrite bool
	// Force additionally permits linking a keg-only formula. LinkKeg
	// returns an error without attempting any link if the formula is
	// keg-only and Force is false.
	Force bool
}

// LinkKeg walks kegPath's standard subdirectories and creates a relative
// symlink under prefixDir for each file found, returning every link it
// created. f may be nil, in which case no keg-only check is made (e.g. when
// relinking an installed keg whose formula can no longer be fetched).
func (l *Linker) LinkKeg(kegPath string, f *formula.Formula, opts LinkOptions) ([]LinkedFile, error) {
	if f != nil && f.KegOnly && !opts.Force {
		return nil, fmt.Errorf("formula %q is keg-only: pass Force to link it anyway", f.Name)
	}

	var linked []LinkedFile
	for _, sub := range standardSubdirs {
		srcDir := filepath.Join(kegPath, sub)
		entries, err := walkFiles(srcDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return linked, fmt.Errorf("walk %s: %w", srcDir, err)
		}

		for _, rel := range entries {
			linkPath := filepath.Join(l.prefixDir, sub, rel)
			targetPath := filepath.Join(srcDir, rel)

			if err := l.linkOne(linkPath, targetPath, opts); err != nil {
				return linked, err
			}
			linked = append(linked, LinkedFile{LinkPath: linkPath, TargetPath: targetPath})
		}
	}
	return linked, nil
}

// linkOne creates a single relative symlink at linkPath pointing at
// targetPath, applying the conflict policy.
func (l *Linker) linkOne(linkPath, targetPath string, opts LinkOptions) error {
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(linkPath), err)
	}

	info, lerr := os.Lstat(linkPath)
	switch {
	case os.IsNotExist(lerr):
		// nothing in the way.
	case lerr != nil:
		return fmt.Errorf("stat %s: %w", linkPath, lerr)
	case info.Mode()&os.ModeSymlink != 0:
		existingTarget, err := os.Readlink(linkPath)
		if err != nil {
			return fmt.Errorf("readlink %s: %w", linkPath, err)
		}
		absExisting := existingTarget
		if !filepath.IsAbs(absExisting) {
			absExisting = filepath.Join(filepath.Dir(linkPath), existingTarget)
		}
		if absExisting == targetPath {
			return nil // already linked correctly.
		}
		if !opts.Overwrite {
			return &formula.LinkConflict{
				Path:         linkPath,
				ExistingType: formula.LinkConflictSymlinkToOther,
				Target:       absExisting,
			}
		}
		if err := os.Remove(linkPath); err != nil {
			return fmt.Errorf("remove conflicting symlink %s: %w", linkPath, err)
		}
	case info.IsDir():
		return &formula.LinkConflict{Path: linkPath, ExistingType: formula.LinkConflictDirectory}
	default:
		return &formula.LinkConflict{Path: linkPath, ExistingType: formula.LinkConflictRegularFile}
	}

	relTarget, err := filepath.Rel(filepath.Dir(linkPath), targetPath)
	if err != nil {
		relTarget = targetPath // fall back to an absolute target.
	}
	if err := os.Symlink(relTarget, linkPath); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", linkPath, relTarget, err)
	}
	return nil
}

// UnlinkKeg removes every symlink directly inside one of the standard
// subdirectories of prefixDir (e.g. bin/foo) that resolves into kegPath,
// returning the paths it removed. Links in nested directories (e.g.
// share/man/man1/foo.1) are not examined and stay in place.
func (l *Linker) UnlinkKeg(kegPath string) ([]string, error) {
	var removed []string
	for _, sub := range standardSubdirs {
		dir := filepath.Join(l.prefixDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, e := range entries {
			linkPath := filepath.Join(dir, e.Name())
			info, err := os.Lstat(linkPath)
			if err != nil || info.Mode()&os.ModeSymlink == 0 {
				continue
			}
			target, err := os.Readlink(linkPath)
			if err != nil {
				continue
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(dir, target)
			}
			if pointsInto(target, kegPath) {
				if err := os.Remove(linkPath); err != nil {
					return removed, fmt.Errorf("remove %s: %w", linkPath, err)
				}
				removed = append(removed, linkPath)
			}
		}
	}
	return removed, nil
}

// IsLinked reports whether any symlink directly inside one of the standard
// subdirectories of prefixDir currently resolves into kegPath; links in
// nested directories are not examined.
func (l *Linker) IsLinked(kegPath string) (bool, error) {
	for _, sub := range standardSubdirs {
		dir := filepath.Join(l.prefixDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return false, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, e := range entries {
			linkPath := filepath.Join(dir, e.Name())
			info, err := os.Lstat(linkPath)
			if err != nil || info.Mode()&os.ModeSymlink == 0 {
				continue
			}
			target, err := os.Readlink(linkPath)
			if err != nil {
				continue
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(dir, target)
			}
			if pointsInto(target, kegPath) {
				return true, nil
			}
		}
	}
	return false, nil
}

func pointsInto(target, kegPath string) bool {
	rel, err := filepath.Rel(kegPath, target)
	return err == nil && rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

// walkFiles returns every regular-file and symlink path relative to dir,
// recursively.
func walkFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
