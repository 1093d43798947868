package install

import (
	"context"
	"os"
	"path/filepath"

	"github.com/projecteru2/core/log"

	"github.com/zerobrew/zb/formula"
)

// Uninstall removes an installed package: recorded prefix links first
// (best-effort), then the DB rows in one transaction, then the cellar
// keg. It returns the store key the keg referenced so callers can report
// whether a gc run would reclaim it.
func (i *Installer) Uninstall(ctx context.Context, name string) (string, error) {
	var storeKey string
	err := i.withInstallLock(ctx, func() error {
		var err error
		storeKey, err = i.uninstallLocked(ctx, name)
		return err
	})
	return storeKey, err
}

func (i *Installer) uninstallLocked(ctx context.Context, name string) (string, error) {
	logger := log.WithFunc("install.Uninstall")

	keg, err := i.db.Get(name)
	if err != nil {
		return "", err
	}
	if keg == nil {
		return "", &formula.NotInstalled{Name: name}
	}

	// Remove recorded links before touching the DB. A link that is
	// already gone, or that something else has since retargeted, is
	// skipped rather than treated as an error.
	links, err := i.db.GetLinkedFiles(name)
	if err != nil {
		return "", err
	}
	for _, lf := range links {
		if err := removeRecordedLink(lf.LinkPath, lf.TargetPath); err != nil {
			logger.Warnf(ctx, "unlink %s: %v", lf.LinkPath, err)
		}
	}

	tx, err := i.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback() //nolint:errcheck
	storeKey, err := tx.RecordUninstall(name)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	if err := i.cellar.RemoveKeg(name, keg.Version); err != nil {
		logger.Warnf(ctx, "remove keg %s/%s: %v", name, keg.Version, err)
	}
	return storeKey, nil
}

// removeRecordedLink deletes the symlink at linkPath only if it still
// points at target; anything else occupying the path is left alone.
func removeRecordedLink(linkPath, target string) error {
	current, err := os.Readlink(linkPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !filepath.IsAbs(current) {
		current = filepath.Join(filepath.Dir(linkPath), current)
	}
	if filepath.Clean(current) != filepath.Clean(target) {
		return nil
	}
	return os.Remove(linkPath)
}
