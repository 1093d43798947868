package install

import (
	"context"
	"fmt"

	"github.com/zerobrew/zb/formula"
	"github.com/zerobrew/zb/linker"
	"github.com/zerobrew/zb/tap"
)

// Link projects an already-installed keg into the prefix and records the
// created links. The formula is re-fetched for its keg-only flag; when
// unfetchable the keg is linked anyway (the filesystem is the truth for
// an installed package).
func (i *Installer) Link(ctx context.Context, name string, opts Options) ([]linker.LinkedFile, error) {
	keg, err := i.db.Get(name)
	if err != nil {
		return nil, err
	}
	if keg == nil {
		return nil, &formula.NotInstalled{Name: name}
	}

	f, _ := i.planner.resolver.FetchFormula(ctx, name)

	var links []linker.LinkedFile
	err = i.withInstallLock(ctx, func() error {
		kegPath := i.cellar.KegPath(name, keg.Version)
		var err error
		links, err = i.linker.LinkKeg(kegPath, f, linker.LinkOptions{Overwrite: opts.Overwrite, Force: opts.Force})
		if err != nil {
			return err
		}
		optLink, err := i.pointOpt(name, kegPath)
		if err != nil {
			return err
		}
		links = append(links, optLink)

		tx, err := i.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck
		for _, lf := range links {
			if err := tx.RecordLinkedFile(name, keg.Version, lf.LinkPath, lf.TargetPath); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return links, nil
}

// Unlink removes every recorded prefix link for name, leaving the keg
// itself installed, and drops the corresponding keg_files rows.
func (i *Installer) Unlink(ctx context.Context, name string) ([]string, error) {
	keg, err := i.db.Get(name)
	if err != nil {
		return nil, err
	}
	if keg == nil {
		return nil, &formula.NotInstalled{Name: name}
	}

	var removed []string
	err = i.withInstallLock(ctx, func() error {
		links, err := i.db.GetLinkedFiles(name)
		if err != nil {
			return err
		}
		for _, lf := range links {
			if err := removeRecordedLink(lf.LinkPath, lf.TargetPath); err == nil {
				removed = append(removed, lf.LinkPath)
			}
		}
		_, err = i.db.DeleteLinkedFiles(name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Pin freezes name against upgrades.
func (i *Installer) Pin(ctx context.Context, name string) error {
	keg, err := i.db.Get(name)
	if err != nil {
		return err
	}
	if keg == nil {
		return &formula.NotInstalled{Name: name}
	}
	return i.db.Pin(name)
}

// Unpin clears name's pin.
func (i *Installer) Unpin(ctx context.Context, name string) error {
	keg, err := i.db.Get(name)
	if err != nil {
		return err
	}
	if keg == nil {
		return &formula.NotInstalled{Name: name}
	}
	return i.db.Unpin(name)
}

// AddTap registers a third-party formula source under both the tap
// manager (which owns the on-disk formula cache and serves ListTaps) and
// the metadata DB's taps table.
func (i *Installer) AddTap(ctx context.Context, name, url string) error {
	if err := i.taps.Add(ctx, name, url); err != nil {
		return err
	}
	return i.db.AddTap(name, url)
}

// RemoveTap unregisters a tap and deletes its cached formulas.
func (i *Installer) RemoveTap(ctx context.Context, name string) error {
	if _, err := i.taps.Get(ctx, name); err != nil {
		return fmt.Errorf("tap %s: %w", name, err)
	}
	if err := i.taps.Remove(ctx, name); err != nil {
		return err
	}
	return i.db.RemoveTap(name)
}

// ListTaps returns every registered tap.
func (i *Installer) ListTaps(ctx context.Context) ([]tap.Entry, error) {
	return i.taps.List(ctx)
}
