package install

import (
	"context"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
	"github.com/projecteru2/core/log"
)

// IssueKind classifies one discrepancy between the metadata DB and the
// filesystem.
type IssueKind string

const (
	IssueMissingKeg        IssueKind = "missing_keg"
	IssueMissingStoreEntry IssueKind = "missing_store_entry"
	IssueDanglingLink      IssueKind = "dangling_link"
	IssueBrokenLinkTarget  IssueKind = "broken_link_target"
	IssuePrefixNotWritable IssueKind = "prefix_not_writable"
	IssueDirNotWritable    IssueKind = "directory_not_writable"
)

// Issue is one problem Doctor found.
type Issue struct {
	Kind   IssueKind
	Name   string // package the issue belongs to
	Path   string // filesystem path in question
	Detail string
	Fixed  bool
}

// Doctor checks the prefix's health and reconciles the metadata DB
// against on-disk reality. With fix set, dangling and broken prefix
// links are removed (never recreated — that needs a plan); missing kegs,
// store entries, and permission problems are only reported, since the
// former would hide data loss and the latter need chown, not zb.
func (i *Installer) Doctor(ctx context.Context, fix bool) ([]Issue, error) {
	logger := log.WithFunc("install.Doctor")

	issues := i.checkPrefixHealth()

	kegs, err := i.db.List()
	if err != nil {
		return issues, err
	}
	for _, keg := range kegs {
		kegPath := i.cellar.KegPath(keg.Name, keg.Version)
		if _, err := os.Lstat(kegPath); err != nil {
			issues = append(issues, Issue{
				Kind: IssueMissingKeg, Name: keg.Name, Path: kegPath,
				Detail: "installed keg has no cellar directory; reinstall or 'zb uninstall' it",
			})
		}
		if !i.store.Has(digest.Digest(keg.StoreKey)) {
			issues = append(issues, Issue{
				Kind: IssueMissingStoreEntry, Name: keg.Name, Path: keg.StoreKey,
				Detail: "store entry referenced by this keg is gone; reinstall it",
			})
		}

		links, err := i.db.GetLinkedFiles(keg.Name)
		if err != nil {
			return issues, err
		}
		for _, lf := range links {
			issue, ok := checkLink(lf.LinkPath, lf.TargetPath)
			if !ok {
				continue
			}
			issue.Name = keg.Name
			if fix {
				if err := removeRecordedLink(lf.LinkPath, lf.TargetPath); err != nil {
					logger.Warnf(ctx, "fix %s: %v", lf.LinkPath, err)
				} else {
					issue.Fixed = true
				}
			}
			issues = append(issues, issue)
		}
	}
	return issues, nil
}

// checkPrefixHealth verifies the prefix exists and that every directory
// zb writes into is actually writable, probed by creating and removing a
// scratch file rather than inspecting mode bits (ACLs and ownership make
// mode bits unreliable). Directories that don't exist yet are skipped —
// they are created on first use.
func (i *Installer) checkPrefixHealth() []Issue {
	var issues []Issue

	prefix := i.conf.PrefixDir
	if _, err := os.Stat(prefix); err != nil {
		issues = append(issues, Issue{
			Kind: IssuePrefixNotWritable, Path: prefix,
			Detail: "prefix directory does not exist; run: mkdir -p " + prefix,
		})
		return issues
	}
	if !dirWritable(prefix) {
		issues = append(issues, Issue{
			Kind: IssuePrefixNotWritable, Path: prefix,
			Detail: "prefix directory is not writable; run: sudo chown -R $USER " + prefix,
		})
	}

	for _, dir := range []string{
		filepath.Join(prefix, "bin"),
		i.conf.CellarDir(),
		i.conf.OptDir(),
	} {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if !dirWritable(dir) {
			issues = append(issues, Issue{
				Kind: IssueDirNotWritable, Path: dir,
				Detail: "directory is not writable; run: sudo chown -R $USER " + dir,
			})
		}
	}
	return issues
}

// dirWritable probes dir by writing and removing a scratch file.
func dirWritable(dir string) bool {
	probe := filepath.Join(dir, ".zb_doctor_test")
	if err := os.WriteFile(probe, []byte("test"), 0o644); err != nil {
		return false
	}
	_ = os.Remove(probe)
	return true
}

// checkLink inspects one recorded prefix link. ok is false when the link
// is healthy.
func checkLink(linkPath, target string) (Issue, bool) {
	current, err := os.Readlink(linkPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Issue{
				Kind: IssueDanglingLink, Path: linkPath,
				Detail: "recorded link is missing from the prefix",
			}, true
		}
		return Issue{
			Kind: IssueBrokenLinkTarget, Path: linkPath,
			Detail: "recorded link path is occupied by a non-symlink",
		}, true
	}

	if !filepath.IsAbs(current) {
		current = filepath.Join(filepath.Dir(linkPath), current)
	}
	if filepath.Clean(current) != filepath.Clean(target) {
		return Issue{
			Kind: IssueBrokenLinkTarget, Path: linkPath,
			Detail: "link points at " + current + ", expected " + target,
		}, true
	}
	if _, err := os.Stat(target); err != nil {
		return Issue{
			Kind: IssueBrokenLinkTarget, Path: linkPath,
			Detail: "link target no longer exists",
		}, true
	}
	return Issue{}, false
}
