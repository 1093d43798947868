package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/projecteru2/core/log"

	"github.com/zerobrew/zb/blobcache"
	"github.com/zerobrew/zb/catalog"
	"github.com/zerobrew/zb/cellar"
	"github.com/zerobrew/zb/config"
	"github.com/zerobrew/zb/downloader"
	"github.com/zerobrew/zb/formula"
	"github.com/zerobrew/zb/linker"
	"github.com/zerobrew/zb/lock/flock"
	"github.com/zerobrew/zb/metadatadb"
	"github.com/zerobrew/zb/objectstore"
	"github.com/zerobrew/zb/progress"
	installProgress "github.com/zerobrew/zb/progress/install"
	"github.com/zerobrew/zb/tap"
	"github.com/zerobrew/zb/utils"
)

// Options controls one install invocation.
type Options struct {
	// NoLink skips the linker entirely; the keg is materialized but
	// projects nothing into the prefix.
	NoLink bool
	// Overwrite lets the linker replace conflicting symlinks.
	Overwrite bool
	// Force additionally links keg-only formulas (normally left unlinked)
	// and is passed through to the linker.
	Force bool
	// BuildFromSource requests a source build even when a bottle exists.
	BuildFromSource bool
}

// Installer owns every core subsystem and drives them end to end:
// plan -> download -> store -> cellar -> link -> DB commit.
type Installer struct {
	conf    *config.Config
	db      *metadatadb.DB
	blobs   *blobcache.Cache
	store   *objectstore.Store
	cellar  *cellar.Cellar
	linker  *linker.Linker
	dl      *downloader.Downloader
	catalog *catalog.Catalog
	taps    *tap.Manager
	planner *Planner
	tracker progress.Tracker
}

// New wires up an Installer from conf. dlTracker receives
// progress/download events, installTracker progress/install events;
// either may be nil.
func New(conf *config.Config, dlTracker, installTracker progress.Tracker) (*Installer, error) {
	if _, err := config.EnsureDirs(conf); err != nil {
		return nil, err
	}
	if installTracker == nil {
		installTracker = progress.Nop
	}

	blobs, err := blobcache.New(conf.RootDir)
	if err != nil {
		return nil, err
	}
	store, err := objectstore.New(conf.RootDir)
	if err != nil {
		return nil, err
	}
	cel, err := cellar.New(conf.CellarDir())
	if err != nil {
		return nil, err
	}
	db, err := metadatadb.Open(conf.DBPath())
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(conf.CatalogBaseURL, conf.CacheAPIDir())
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	taps, err := tap.New(conf.TapsDir())
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}

	resolver := &Resolver{Catalog: cat, Taps: taps}
	return &Installer{
		conf:    conf,
		db:      db,
		blobs:   blobs,
		store:   store,
		cellar:  cel,
		linker:  linker.New(conf.PrefixDir),
		dl:      downloader.New(blobs, conf.DownloadConcurrency, dlTracker),
		catalog: cat,
		taps:    taps,
		planner: NewPlanner(resolver, conf.PoolSize),
		tracker: installTracker,
	}, nil
}

// Close releases the metadata DB connection.
func (i *Installer) Close() error { return i.db.Close() }

// DB exposes the metadata DB's query surface for read-only CLI commands
// (list, info, pin). Mutation still goes through the Installer.
func (i *Installer) DB() *metadatadb.DB { return i.db }

// Cellar exposes keg path resolution for CLI output.
func (i *Installer) Cellar() *cellar.Cellar { return i.cellar }

// Resolver exposes formula lookup for CLI commands like info and outdated.
func (i *Installer) Resolver() *Resolver { return i.planner.resolver }

// withInstallLock serializes mutating operations across processes via an
// advisory lock next to the DB. Acquisition is polled so a second zb
// invocation waits for a slow sibling instead of failing immediately.
func (i *Installer) withInstallLock(ctx context.Context, fn func() error) error {
	l := flock.New(i.conf.InstallLockPath())
	err := utils.WaitFor(ctx, 30*time.Second, 200*time.Millisecond, func() (bool, error) {
		return l.TryLock(ctx)
	})
	if err != nil {
		return fmt.Errorf("acquire install lock (another zb process running?): %w", err)
	}
	defer l.Unlock(ctx) //nolint:errcheck
	return fn()
}

// Install plans and executes an install of name (a formula name or a
// tap-qualified user/repo/name reference), returning the executed plan.
func (i *Installer) Install(ctx context.Context, name string, opts Options) (*Plan, error) {
	if opts.BuildFromSource {
		return nil, i.buildFromSource(ctx, name)
	}

	plan, err := i.planner.Plan(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := i.withInstallLock(ctx, func() error {
		return i.execute(ctx, plan, opts)
	}); err != nil {
		return nil, err
	}
	return plan, nil
}

// processedPackage buffers one package's filesystem outcome until the
// whole batch has succeeded and DB commits can begin.
type processedPackage struct {
	Name     string
	Version  string
	StoreKey string
	Links    []linker.LinkedFile
}

// execute realizes plan: downloads stream in parallel and each completed
// package is extracted, materialized, and linked as it arrives (out of
// order); DB transactions run strictly afterwards, in dependency order,
// so any failure before the commit phase leaves the DB untouched.
func (i *Installer) execute(ctx context.Context, plan *Plan, opts Options) error {
	total := len(plan.Order)
	i.tracker.OnEvent(installProgress.Event{Phase: installProgress.PhasePlanned, Index: -1, Total: total})

	requests := make([]downloader.Request, 0, total)
	for idx, name := range plan.Order {
		b := plan.Bottles[name]
		requests = append(requests, downloader.Request{
			Index:        idx,
			URL:          b.URL,
			ExpectedHash: digest.NewDigestFromEncoded(digest.SHA256, b.SHA256),
			Name:         name,
		})
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	processed := make([]*processedPackage, total)
	var firstErr error
	for r := range i.dl.FetchAll(dctx, requests) {
		if firstErr != nil {
			continue // drain remaining results after cancellation.
		}
		if r.Err != nil {
			firstErr = r.Err
			cancel()
			continue
		}
		req := requests[r.Index]
		p, err := i.processOne(dctx, plan, req, r.BlobPath, opts)
		if err != nil {
			firstErr = err
			cancel()
			continue
		}
		processed[r.Index] = p
	}
	if firstErr != nil {
		i.rollbackProcessed(ctx, processed)
		return firstErr
	}

	for idx, name := range plan.Order {
		p := processed[idx]
		if p == nil {
			return fmt.Errorf("package %s was never processed", name)
		}
		if err := i.commitOne(p, name == plan.RootName); err != nil {
			return err
		}
		i.tracker.OnEvent(installProgress.Event{
			Phase: installProgress.PhaseCommitted, Name: name, Index: idx, Total: total,
		})
	}

	i.tracker.OnEvent(installProgress.Event{Phase: installProgress.PhaseDone, Index: -1, Total: total})
	return nil
}

// rollbackProcessed undoes the keg and link work of packages that were
// already processed when their batch failed. Store entries and committed
// blobs stay: they are content-addressed, harmless, and save the retry a
// download. Nothing was recorded in the DB yet.
func (i *Installer) rollbackProcessed(ctx context.Context, processed []*processedPackage) {
	logger := log.WithFunc("install.rollbackProcessed")
	for _, p := range processed {
		if p == nil {
			continue
		}
		for _, lf := range p.Links {
			if err := removeRecordedLink(lf.LinkPath, lf.TargetPath); err != nil {
				logger.Warnf(ctx, "rollback link %s: %v", lf.LinkPath, err)
			}
		}
		if err := i.cellar.RemoveKeg(p.Name, p.Version); err != nil {
			logger.Warnf(ctx, "rollback keg %s/%s: %v", p.Name, p.Version, err)
		}
	}
}

// commitOne records one package's install in a single transaction.
func (i *Installer) commitOne(p *processedPackage, explicit bool) error {
	tx, err := i.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := tx.RecordInstall(p.Name, p.Version, p.StoreKey, explicit); err != nil {
		return err
	}
	for _, lf := range p.Links {
		if err := tx.RecordLinkedFile(p.Name, p.Version, lf.LinkPath, lf.TargetPath); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// processOne takes one completed download through store entry, keg, and
// links. It performs no DB writes.
func (i *Installer) processOne(ctx context.Context, plan *Plan, req downloader.Request, blobPath string, opts Options) (*processedPackage, error) {
	f := plan.Formulas[req.Name]
	version := f.EffectiveVersion()
	total := len(plan.Order)

	entry, err := i.ensureStoreEntry(ctx, req, blobPath)
	if err != nil {
		return nil, err
	}
	i.tracker.OnEvent(installProgress.Event{
		Phase: installProgress.PhaseExtracted, Name: req.Name, Index: req.Index, Total: total,
	})

	keg, err := i.cellar.Materialize(f.Name, version, kegContentRoot(entry, f.Name, version))
	if err != nil {
		return nil, err
	}

	var links []linker.LinkedFile
	if !opts.NoLink && (!f.KegOnly || opts.Force) {
		links, err = i.linker.LinkKeg(keg, f, linker.LinkOptions{Overwrite: opts.Overwrite, Force: opts.Force})
		if err != nil {
			return nil, err
		}
	}

	optLink, err := i.pointOpt(f.Name, keg)
	if err != nil {
		return nil, err
	}
	links = append(links, optLink)

	i.tracker.OnEvent(installProgress.Event{
		Phase: installProgress.PhaseLinked, Name: req.Name, Index: req.Index, Total: total,
	})
	return &processedPackage{
		Name:     f.Name,
		Version:  version,
		StoreKey: req.ExpectedHash.String(),
		Links:    links,
	}, nil
}

// maxCorruptionRetries bounds how many times a corrupt blob is re-fetched
// before the install fails.
const maxCorruptionRetries = 3

// ensureStoreEntry extracts req's blob into the object store, re-fetching
// the blob on detected corruption up to maxCorruptionRetries times.
func (i *Installer) ensureStoreEntry(ctx context.Context, req downloader.Request, blobPath string) (string, error) {
	logger := log.WithFunc("install.ensureStoreEntry")

	var lastErr error
	for attempt := 1; attempt <= maxCorruptionRetries+1; attempt++ {
		entry, err := i.store.EnsureEntry(req.ExpectedHash, blobPath)
		if err == nil {
			return entry, nil
		}
		var corruption *formula.StoreCorruption
		if !errors.As(err, &corruption) {
			return "", err
		}
		lastErr = err
		logger.Warnf(ctx, "corrupt blob for %s (attempt %d/%d): %v", req.Name, attempt, maxCorruptionRetries+1, err)

		if _, rmErr := i.dl.RemoveBlob(req.ExpectedHash); rmErr != nil {
			return "", rmErr
		}
		if attempt > maxCorruptionRetries {
			break
		}
		blobPath, err = i.dl.FetchOne(ctx, req)
		if err != nil {
			return "", err
		}
	}
	return "", lastErr
}

// kegContentRoot locates the directory inside a store entry that should
// become the keg. Bottle tarballs conventionally nest content under
// {name}/{version}/; a flat archive is used as-is.
func kegContentRoot(entry, name, version string) string {
	nested := filepath.Join(entry, name, version)
	if info, err := os.Stat(nested); err == nil && info.IsDir() {
		return nested
	}
	return entry
}

// pointOpt creates (or retargets) the stable opt/{name} pointer at keg,
// relative so the prefix stays relocatable. The pointer is returned as a
// LinkedFile so it rides the same keg_files bookkeeping as linker output.
func (i *Installer) pointOpt(name, keg string) (linker.LinkedFile, error) {
	opt := i.conf.OptPath(name)

	if info, err := os.Lstat(opt); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			existing := formula.LinkConflictRegularFile
			if info.IsDir() {
				existing = formula.LinkConflictDirectory
			}
			return linker.LinkedFile{}, &formula.LinkConflict{Path: opt, ExistingType: existing}
		}
		if err := os.Remove(opt); err != nil {
			return linker.LinkedFile{}, fmt.Errorf("retarget opt link %s: %w", opt, err)
		}
	}

	rel, err := filepath.Rel(filepath.Dir(opt), keg)
	if err != nil {
		rel = keg
	}
	if err := os.Symlink(rel, opt); err != nil {
		return linker.LinkedFile{}, fmt.Errorf("opt link %s -> %s: %w", opt, rel, err)
	}
	return linker.LinkedFile{LinkPath: opt, TargetPath: keg}, nil
}
