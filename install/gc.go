package install

import (
	"context"
	"sync"

	digest "github.com/opencontainers/go-digest"

	"github.com/zerobrew/zb/gc"
	"github.com/zerobrew/zb/lock"
	"github.com/zerobrew/zb/metadatadb"
	"github.com/zerobrew/zb/objectstore"
	"github.com/zerobrew/zb/utils"
)

// noopLocker satisfies lock.Locker for modules that need no cross-process
// coordination of their own — the metadata DB already serializes access
// via SQLite's own locking, so its GC module only needs to participate in
// the orchestrator's snapshot/resolve/collect phases.
type noopLocker struct{ mu sync.Mutex }

func (l *noopLocker) Lock(context.Context) error { l.mu.Lock(); return nil }
func (l *noopLocker) Unlock(context.Context) error {
	l.mu.Unlock()
	return nil
}
func (l *noopLocker) TryLock(context.Context) (bool, error) {
	return l.mu.TryLock(), nil
}

// NewGCOrchestrator wires the object store and metadata DB into the
// generic three-phase GC orchestrator: the metadata DB's store_refs
// table is the source of truth for which store keys are still
// referenced, and the object store module resolves its own unreferenced
// entries against it before collecting. Blob-cache pruning is
// deliberately NOT part of gc — a kept blob makes a future reinstall of
// the same content a cache hit, so blobs are only reclaimed by the
// broader Cleanup sweep.
func NewGCOrchestrator(store *objectstore.Store, db *metadatadb.DB) *gc.Orchestrator {
	o := gc.New()

	gc.Register(o, gc.Module[map[string]int]{
		Name:   "metadatadb",
		Locker: &noopLocker{},
		ReadDB: func(context.Context) (map[string]int, error) {
			return db.ListStoreRefs()
		},
		Resolve: func(refs map[string]int, _ map[string]any) []string {
			var zero []string
			for key, count := range refs {
				if count <= 0 {
					zero = append(zero, key)
				}
			}
			return zero
		},
		Collect: func(context.Context, []string) error {
			_, err := db.DeleteZeroRefs()
			return err
		},
	})

	gc.Register(o, gc.Module[[]digest.Digest]{
		Name:   "objectstore",
		Locker: &noopLocker{},
		ReadDB: func(context.Context) ([]digest.Digest, error) {
			return store.List()
		},
		Resolve: func(present []digest.Digest, others map[string]any) []string {
			candidates := make([]string, 0, len(present))
			for _, key := range present {
				candidates = append(candidates, key.String())
			}
			return utils.FilterUnreferenced(candidates, referencedKeys(others))
		},
		Collect: func(ctx context.Context, ids []string) error {
			for _, id := range ids {
				if err := store.Remove(digest.Digest(id)); err != nil {
					return err
				}
			}
			if _, err := store.CleanupTempDirs(); err != nil {
				return err
			}
			_, err := store.CleanupStaleLocks()
			return err
		},
	})

	return o
}

// referencedKeys projects the metadata DB's snapshot into the set of
// store keys still held by at least one installed keg.
func referencedKeys(others map[string]any) map[string]struct{} {
	refs, _ := others["metadatadb"].(map[string]int)
	out := make(map[string]struct{}, len(refs))
	for key, count := range refs {
		if count > 0 {
			out[key] = struct{}{}
		}
	}
	return out
}

// Compile-time check that noopLocker satisfies lock.Locker.
var _ lock.Locker = (*noopLocker)(nil)
