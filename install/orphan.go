package install

import (
	"context"
	"runtime"
	"sort"

	"github.com/projecteru2/core/log"
)

// Orphans returns every installed package that was pulled in as a
// dependency and is no longer in the transitive dependency closure of any
// explicitly-installed package. The closure is computed by re-reading
// each reachable package's formula; an unfetchable formula contributes no
// edges (its dependencies stay reachable only through other paths).
func (i *Installer) Orphans(ctx context.Context) ([]string, error) {
	logger := log.WithFunc("install.Orphans")

	kegs, err := i.db.List()
	if err != nil {
		return nil, err
	}

	installed := make(map[string]bool, len(kegs))
	reachable := make(map[string]bool)
	var frontier []string
	for _, keg := range kegs {
		installed[keg.Name] = true
		if keg.Explicit {
			reachable[keg.Name] = true
			frontier = append(frontier, keg.Name)
		}
	}

	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]

		f, err := i.planner.resolver.FetchFormula(ctx, name)
		if err != nil {
			logger.Warnf(ctx, "cannot read formula for %s, its dependencies stay reachable only through other packages: %v", name, err)
			continue
		}
		for _, dep := range f.EffectiveDependencies(runtime.GOOS == "linux") {
			if installed[dep] && !reachable[dep] {
				reachable[dep] = true
				frontier = append(frontier, dep)
			}
		}
	}

	var orphans []string
	for _, keg := range kegs {
		if !keg.Explicit && !reachable[keg.Name] {
			orphans = append(orphans, keg.Name)
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}

// Autoremove uninstalls every orphan, returning the removed names.
func (i *Installer) Autoremove(ctx context.Context) ([]string, error) {
	orphans, err := i.Orphans(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, name := range orphans {
		if _, err := i.Uninstall(ctx, name); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}
