// Package tap manages third-party formula repositories, persisting the
// registered set as a JSON index and caching each tap's formula
// descriptors on disk under its own Formula/ directory.
package tap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsonstore "github.com/zerobrew/zb/storage/json"
	"github.com/zerobrew/zb/utils"
)

// Entry is one registered tap.
type Entry struct {
	Name    string    `json:"name"` // "user/repo"
	URL     string    `json:"url"`
	AddedAt time.Time `json:"added_at"`
}

// index is the top-level structure persisted at taps/index.json.
type index struct {
	Taps map[string]*Entry `json:"taps"`
}

// Init implements storage.Initer.
func (idx *index) Init() {
	if idx.Taps == nil {
		idx.Taps = make(map[string]*Entry)
	}
}

// Manager adds, removes, lists, and resolves taps.
type Manager struct {
	tapsDir string
	store   *jsonstore.Store[index]
}

// New creates a Manager rooted at tapsDir (taps/index.json,
// taps/<user>/<repo>/Formula/*.json).
func New(tapsDir string) (*Manager, error) {
	if err := os.MkdirAll(tapsDir, 0o750); err != nil {
		return nil, fmt.Errorf("create %s: %w", tapsDir, err)
	}
	return &Manager{
		tapsDir: tapsDir,
		store:   jsonstore.New[index](filepath.Join(tapsDir, "index.json.lock"), filepath.Join(tapsDir, "index.json")),
	}, nil
}

// Add registers a tap named "user/repo" pointing at url.
func (m *Manager) Add(ctx context.Context, name, url string) error {
	if !strings.Contains(name, "/") {
		return fmt.Errorf("tap name %q must be of the form user/repo", name)
	}
	err := m.store.Update(ctx, func(idx *index) error {
		idx.Taps[name] = &Entry{Name: name, URL: url, AddedAt: time.Now()}
		return nil
	})
	if err != nil {
		return err
	}
	return os.MkdirAll(m.FormulaDir(name), 0o750)
}

// Remove unregisters a tap and deletes its cached formula descriptors.
func (m *Manager) Remove(ctx context.Context, name string) error {
	err := m.store.Update(ctx, func(idx *index) error {
		delete(idx.Taps, name)
		return nil
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(m.tapDir(name))
}

// List returns every registered tap.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := m.store.With(ctx, func(idx *index) error {
		for _, e := range idx.Taps {
			out = append(out, *e)
		}
		return nil
	})
	return out, err
}

// Get returns a detached copy of one registered tap's entry.
func (m *Manager) Get(ctx context.Context, name string) (Entry, error) {
	var out Entry
	err := m.store.With(ctx, func(idx *index) error {
		var err error
		out, err = utils.LookupCopy(idx.Taps, name)
		return err
	})
	return out, err
}

// IsTapped reports whether name is currently registered.
func (m *Manager) IsTapped(ctx context.Context, name string) (bool, error) {
	var tapped bool
	err := m.store.With(ctx, func(idx *index) error {
		_, tapped = idx.Taps[name]
		return nil
	})
	return tapped, err
}

func (m *Manager) tapDir(name string) string {
	return filepath.Join(m.tapsDir, filepath.FromSlash(name))
}

// FormulaDir returns the directory where name's formula descriptors are
// cached.
func (m *Manager) FormulaDir(name string) string {
	return filepath.Join(m.tapDir(name), "Formula")
}

// CacheFormula writes data (a raw formula descriptor) into tap's Formula
// cache under formulaName.
func (m *Manager) CacheFormula(tapName, formulaName string, data []byte) error {
	dir := m.FormulaDir(tapName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("formula descriptor for %s/%s is not valid JSON", tapName, formulaName)
	}
	return os.WriteFile(filepath.Join(dir, formulaName+".json"), data, 0o644)
}

// ReadCachedFormula returns a previously cached formula descriptor, or
// (nil, false) if none is cached.
func (m *Manager) ReadCachedFormula(tapName, formulaName string) ([]byte, bool) {
	data, err := os.ReadFile(filepath.Join(m.FormulaDir(tapName), formulaName+".json"))
	if err != nil {
		return nil, false
	}
	return data, true
}

// ParseRef splits a tap-qualified reference "user/repo/name" into its tap
// name ("user/repo") and formula name. ok is false if ref does not have
// exactly three slash-separated components.
func ParseRef(ref string) (tapName, formulaName string, ok bool) {
	parts := strings.Split(ref, "/")
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[0] + "/" + parts[1], parts[2], true
}
