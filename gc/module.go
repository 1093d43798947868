package gc

import (
	"context"

	"github.com/zerobrew/zb/lock"
)

// Module describes a storage module that participates in garbage collection.
// S is the concrete snapshot type returned by ReadDB; other modules observe
// it only as map[string]any, so Resolve receives the typed S for this module
// and the raw snapshots of every other successfully-read module.
type Module[S any] struct {
	Name string

	// Locker coordinates with concurrent operations on the same module (e.g.
	// a download in progress). TryLock returning false means busy; the
	// orchestrator skips the module for this cycle and retries on the next.
	Locker lock.Locker

	// ReadDB reads the module's current persisted state. Called while the
	// lock is held; must not itself re-acquire it.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve analyses this module's own snapshot plus every other module's
	// raw snapshot and returns the resource IDs this module should collect.
	// Called with no locks held.
	Resolve func(snap S, others map[string]any) []string

	// Collect removes the given resource IDs. Called while the lock is held;
	// must not itself re-acquire it. Always called for a module that made it
	// to phase 3, even with a nil/empty ids slice, so modules can piggyback
	// housekeeping (e.g. stale temp-file cleanup) on every GC cycle.
	Collect func(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string        { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	typed, ok := snap.(S)
	if !ok {
		return nil
	}
	return m.Resolve(typed, others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}
