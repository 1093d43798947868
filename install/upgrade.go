package install

import (
	"context"
	"sync"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/zerobrew/zb/formula"
	"github.com/zerobrew/zb/metadatadb"
)

// Outdated describes one installed package with a newer version available.
type Outdated struct {
	Name             string
	InstalledVersion string
	AvailableVersion string
	Pinned           bool
}

// Outdated lists every non-pinned installed package whose catalog version
// is newer than the installed one. Formulas the catalog no longer serves
// are silently skipped (removed upstream).
func (i *Installer) Outdated(ctx context.Context) ([]Outdated, error) {
	kegs, err := i.db.List()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var out []Outdated
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.planner.concurrency)

	for _, keg := range kegs {
		if keg.Pinned {
			continue
		}
		keg := keg
		g.Go(func() error {
			o, ok := i.checkOutdated(gctx, keg)
			if ok {
				mu.Lock()
				out = append(out, o)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (i *Installer) checkOutdated(ctx context.Context, keg metadatadb.Keg) (Outdated, bool) {
	f, err := i.planner.resolver.FetchFormula(ctx, keg.Name)
	if err != nil {
		return Outdated{}, false
	}
	available := f.EffectiveVersion()
	if !formula.ParseVersion(keg.Version).Less(formula.ParseVersion(available)) {
		return Outdated{}, false
	}
	return Outdated{
		Name:             keg.Name,
		InstalledVersion: keg.Version,
		AvailableVersion: available,
		Pinned:           keg.Pinned,
	}, true
}

// Upgraded describes one completed upgrade.
type Upgraded struct {
	Name        string
	FromVersion string
	ToVersion   string
}

// Upgrade brings the named packages (all outdated packages when names is
// empty) up to their catalog versions. Pinned packages are skipped unless
// force is set and the package was named explicitly.
func (i *Installer) Upgrade(ctx context.Context, names []string, force bool, opts Options) ([]Upgraded, error) {
	logger := log.WithFunc("install.Upgrade")

	var candidates []metadatadb.Keg
	if len(names) == 0 {
		kegs, err := i.db.List()
		if err != nil {
			return nil, err
		}
		for _, keg := range kegs {
			if keg.Pinned {
				continue
			}
			candidates = append(candidates, keg)
		}
	} else {
		for _, name := range names {
			keg, err := i.db.Get(name)
			if err != nil {
				return nil, err
			}
			if keg == nil {
				return nil, &formula.NotInstalled{Name: name}
			}
			if keg.Pinned && !force {
				logger.Warnf(ctx, "skipping pinned package %s (use --force to upgrade it)", name)
				continue
			}
			candidates = append(candidates, *keg)
		}
	}

	var done []Upgraded
	for _, keg := range candidates {
		u, upgraded, err := i.upgradeOne(ctx, keg, opts)
		if err != nil {
			return done, err
		}
		if upgraded {
			done = append(done, u)
		}
	}
	return done, nil
}

// upgradeOne plans and executes a single package's upgrade. A package
// already at its catalog version reports (false, nil) without touching
// anything.
func (i *Installer) upgradeOne(ctx context.Context, keg metadatadb.Keg, opts Options) (Upgraded, bool, error) {
	logger := log.WithFunc("install.upgradeOne")

	o, outdated := i.checkOutdated(ctx, keg)
	if !outdated {
		return Upgraded{}, false, nil
	}

	plan, err := i.planner.Plan(ctx, keg.Name)
	if err != nil {
		return Upgraded{}, false, err
	}

	err = i.withInstallLock(ctx, func() error {
		// Old prefix links go first so the new keg's links never collide
		// with its own previous version.
		links, err := i.db.GetLinkedFiles(keg.Name)
		if err != nil {
			return err
		}
		for _, lf := range links {
			if err := removeRecordedLink(lf.LinkPath, lf.TargetPath); err != nil {
				logger.Warnf(ctx, "unlink %s: %v", lf.LinkPath, err)
			}
		}

		if err := i.execute(ctx, plan, opts); err != nil {
			return err
		}

		// execute records the root as explicit; a package that was only
		// ever a dependency keeps that status across upgrades.
		if !keg.Explicit {
			if err := i.db.MarkDependency(keg.Name); err != nil {
				return err
			}
		}

		if o.AvailableVersion != keg.Version {
			if err := i.cellar.RemoveKeg(keg.Name, keg.Version); err != nil {
				logger.Warnf(ctx, "remove old keg %s/%s: %v", keg.Name, keg.Version, err)
			}
		}
		return nil
	})
	if err != nil {
		return Upgraded{}, false, err
	}

	return Upgraded{Name: keg.Name, FromVersion: keg.Version, ToVersion: o.AvailableVersion}, true, nil
}
