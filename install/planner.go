// Package install resolves a requested formula name into an ordered
// install plan and drives the blob cache, object store, cellar, linker,
// and metadata DB to realize it.
package install

import (
	"context"
	"runtime"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/zerobrew/zb/catalog"
	"github.com/zerobrew/zb/formula"
	"github.com/zerobrew/zb/tap"
)

// Resolver fetches formula descriptors from the primary catalog, falling
// back to installed taps, and resolves tap-qualified references directly.
type Resolver struct {
	Catalog *catalog.Catalog
	Taps    *tap.Manager
}

// FetchFormula resolves ref into a Formula. A "user/repo/name" reference
// bypasses the primary catalog entirely. Otherwise the primary catalog is
// tried first; on a miss, every installed tap's formula cache is searched.
func (r *Resolver) FetchFormula(ctx context.Context, ref string) (*formula.Formula, error) {
	if tapName, name, ok := tap.ParseRef(ref); ok {
		return r.fetchFromTap(tapName, name)
	}

	f, err := r.Catalog.Fetch(ref, catalogMaxAge)
	if err == nil {
		return f, nil
	}
	if _, isMissing := err.(*formula.MissingFormula); !isMissing {
		return nil, err
	}

	taps, listErr := r.Taps.List(ctx)
	if listErr != nil {
		return nil, err // report the original catalog miss.
	}
	for _, t := range taps {
		if f, tapErr := r.fetchFromTap(t.Name, ref); tapErr == nil {
			return f, nil
		}
	}
	return nil, err
}

func (r *Resolver) fetchFromTap(tapName, name string) (*formula.Formula, error) {
	data, ok := r.Taps.ReadCachedFormula(tapName, name)
	if !ok {
		return nil, &formula.MissingFormula{Name: tapName + "/" + name}
	}
	return formula.Parse(name, data)
}

const catalogMaxAge = 24 * time.Hour

// Plan is a dependency-ordered set of formulas and their selected bottles,
// ready for the installer to execute.
type Plan struct {
	RootName string
	Order    []string // dependency order: a dependency always precedes its dependents.
	Formulas map[string]*formula.Formula
	Bottles  map[string]formula.SelectedBottle
}

// Planner resolves install plans.
type Planner struct {
	resolver    *Resolver
	concurrency int
}

// NewPlanner creates a Planner that fetches through resolver with up to
// concurrency formulas in flight during the BFS closure walk.
func NewPlanner(resolver *Resolver, concurrency int) *Planner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Planner{resolver: resolver, concurrency: concurrency}
}

// Plan resolves rootName's dependency closure, orders it topologically,
// and selects a bottle for every formula that has one. Dependencies with
// no resolvable formula or no compatible bottle are skipped with a
// warning; the root must resolve on both counts or Plan fails.
func (p *Planner) Plan(ctx context.Context, rootName string) (*Plan, error) {
	logger := log.WithFunc("install.Plan")

	formulas, err := p.fetchClosure(ctx, rootName)
	if err != nil {
		return nil, err
	}
	if _, ok := formulas[rootName]; !ok {
		return nil, &formula.MissingFormula{Name: rootName}
	}

	order, err := topoSort(rootName, formulas)
	if err != nil {
		return nil, err
	}

	bottles := make(map[string]formula.SelectedBottle, len(order))
	var kept []string
	for _, name := range order {
		f := formulas[name]
		b, err := formula.SelectBottle(f)
		if err != nil {
			if name == rootName {
				return nil, err
			}
			logger.Warnf(ctx, "skipping %s: %v", name, err)
			delete(formulas, name)
			continue
		}
		bottles[name] = b
		kept = append(kept, name)
	}

	return &Plan{RootName: rootName, Order: kept, Formulas: formulas, Bottles: bottles}, nil
}

// fetchClosure breadth-first fetches rootName's full dependency closure in
// parallel batches, deduplicating by name via a concurrent set. A
// dependency that cannot be resolved is skipped with a warning; the root
// itself is allowed to fail here too (the caller checks for its presence).
func (p *Planner) fetchClosure(ctx context.Context, rootName string) (map[string]*formula.Formula, error) {
	logger := log.WithFunc("install.fetchClosure")

	seen := haxmap.New[string, bool]()
	results := haxmap.New[string, *formula.Formula]()

	frontier := []string{rootName}
	for len(frontier) > 0 {
		var next []string
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.concurrency)
		var fetched []string

		for _, name := range frontier {
			if _, dup := seen.GetOrSet(name, true); dup {
				continue
			}
			fetched = append(fetched, name)
			name := name
			g.Go(func() error {
				f, err := p.resolver.FetchFormula(gctx, name)
				if err != nil {
					logger.Warnf(gctx, "skipping dependency %s: %v", name, err)
					return nil
				}
				results.Set(name, f)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, name := range fetched {
			if f, ok := results.Get(name); ok {
				next = append(next, f.EffectiveDependencies(runtime.GOOS == "linux")...)
			}
		}
		frontier = next
	}

	out := make(map[string]*formula.Formula)
	results.ForEach(func(name string, f *formula.Formula) bool {
		out[name] = f
		return true
	})
	return out, nil
}

// topoSort orders formulas' transitive closure dependency-first via Kahn's
// algorithm, returning a DependencyCycle error if one is found. Names not
// present in formulas (skipped earlier) are treated as leaves.
func topoSort(rootName string, formulas map[string]*formula.Formula) ([]string, error) {
	inDegree := make(map[string]int, len(formulas))
	dependents := make(map[string][]string, len(formulas))
	for name := range formulas {
		inDegree[name] = 0
	}
	for name, f := range formulas {
		for _, dep := range f.EffectiveDependencies(runtime.GOOS == "linux") {
			if _, ok := formulas[dep]; !ok {
				continue // skipped dependency; not part of the graph.
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue, order []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, dependent := range dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(formulas) {
		var cycle []string
		for name, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, name)
			}
		}
		return nil, &formula.DependencyCycle{Cycle: cycle}
	}
	return order, nil
}
