package install

import (
	"context"
	"time"

	digest "github.com/opencontainers/go-digest"
)

// GC removes every store entry whose refcount has dropped to zero,
// returning the reclaimed keys. The orchestrator underneath also drops
// the zero-ref DB rows in the same cycle. Blobs are untouched: a cached
// bottle makes reinstalling the same content free, and reclaiming it is
// Cleanup's job.
func (i *Installer) GC(ctx context.Context) ([]string, error) {
	var keys []string
	err := i.withInstallLock(ctx, func() error {
		var err error
		keys, err = i.db.GetUnreferencedStoreKeys()
		if err != nil {
			return err
		}
		return NewGCOrchestrator(i.store, i.db).Run(ctx)
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// CleanupReport summarizes what one Cleanup pass reclaimed.
type CleanupReport struct {
	StoreKeysRemoved  []string
	BlobsRemoved      int
	BlobBytesFreed    int64
	TempFilesRemoved  int
	TempBytesFreed    int64
	TempDirsRemoved   int
	StaleLocksRemoved int
	APIEntriesPruned  int
}

// Cleanup composes gc with blob pruning (unreferenced blobs older than
// pruneAge; pruneAge <= 0 prunes all unreferenced), temp-file and stale
// lock sweeps, and API response-cache pruning.
func (i *Installer) Cleanup(ctx context.Context, pruneAge time.Duration) (*CleanupReport, error) {
	report := &CleanupReport{}
	err := i.withInstallLock(ctx, func() error {
		keys, err := i.db.GetUnreferencedStoreKeys()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := i.store.Remove(digest.Digest(key)); err != nil {
				return err
			}
			report.StoreKeysRemoved = append(report.StoreKeysRemoved, key)
		}
		if _, err := i.db.DeleteZeroRefs(); err != nil {
			return err
		}

		kegs, err := i.db.List()
		if err != nil {
			return err
		}
		referenced := make(map[digest.Digest]bool, len(kegs))
		for _, keg := range kegs {
			referenced[digest.Digest(keg.StoreKey)] = true
		}

		blobs, err := i.blobs.List()
		if err != nil {
			return err
		}
		now := time.Now()
		for _, b := range blobs {
			if referenced[b.Hash] {
				continue
			}
			if pruneAge > 0 && now.Sub(b.ModTime) <= pruneAge {
				continue
			}
			if ok, err := i.blobs.Remove(b.Hash); err == nil && ok {
				report.BlobsRemoved++
				report.BlobBytesFreed += b.Size
			}
		}

		report.TempFilesRemoved, report.TempBytesFreed, err = i.blobs.CleanupTempFiles()
		if err != nil {
			return err
		}
		report.TempDirsRemoved, err = i.store.CleanupTempDirs()
		if err != nil {
			return err
		}
		report.StaleLocksRemoved, err = i.store.CleanupStaleLocks()
		if err != nil {
			return err
		}
		report.APIEntriesPruned, err = i.catalog.Prune(pruneAge)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
