// Package metadatadb is the single source of truth for installation state:
// which kegs are installed, which store entries they reference, and which
// links each keg has placed in the prefix. All mutation goes through
// atomic transactions; the DB never touches the filesystem.
package metadatadb

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite connection holding the installed_kegs, store_refs,
// keg_files, and taps tables.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the database at path and runs schema
// migration.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

func (db *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS installed_kegs (
			name TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			store_key TEXT NOT NULL,
			installed_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS store_refs (
			store_key TEXT PRIMARY KEY,
			refcount INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS keg_files (
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			link_path TEXT NOT NULL,
			target_path TEXT NOT NULL,
			PRIMARY KEY (name, link_path)
		)`,
		`CREATE TABLE IF NOT EXISTS taps (
			name TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			added_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return db.addMissingColumns()
}

// addMissingColumns adds columns introduced by later schema revisions
// (pinned, explicit) to installed_kegs, defaulting each to 0, without
// disturbing existing rows. pragma_table_info lets this run unconditionally
// on every open.
func (db *DB) addMissingColumns() error {
	additions := []struct {
		table, column, ddl string
	}{
		{"installed_kegs", "explicit", "ALTER TABLE installed_kegs ADD COLUMN explicit INTEGER NOT NULL DEFAULT 0"},
		{"installed_kegs", "pinned", "ALTER TABLE installed_kegs ADD COLUMN pinned INTEGER NOT NULL DEFAULT 0"},
	}
	for _, a := range additions {
		has, err := db.hasColumn(a.table, a.column)
		if err != nil {
			return err
		}
		if !has {
			if _, err := db.conn.Exec(a.ddl); err != nil {
				return fmt.Errorf("add column %s.%s: %w", a.table, a.column, err)
			}
		}
	}
	return nil
}

func (db *DB) hasColumn(table, column string) (bool, error) {
	rows, err := db.conn.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, fmt.Errorf("pragma_table_info(%s): %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Keg is one row of installed_kegs.
type Keg struct {
	Name        string
	Version     string
	StoreKey    string
	InstalledAt time.Time
	Explicit    bool
	Pinned      bool
}

// LinkedFile is one row of keg_files.
type LinkedFile struct {
	Name       string
	Version    string
	LinkPath   string
	TargetPath string
}

// RecordInstall runs a single-operation transaction around
// Tx.RecordInstall, for callers that have no batch to bracket.
func (db *DB) RecordInstall(name, version, storeKey string, explicit bool) error {
	return db.inTx(func(tx *sql.Tx) error {
		return recordInstall(tx, name, version, storeKey, explicit)
	})
}

// RecordLinkedFile runs a single-operation transaction around
// Tx.RecordLinkedFile.
func (db *DB) RecordLinkedFile(name, version, link, target string) error {
	return db.inTx(func(tx *sql.Tx) error {
		return recordLinkedFile(tx, name, version, link, target)
	})
}

// RecordUninstall runs a single-operation transaction around
// Tx.RecordUninstall, returning the store key the keg referenced.
func (db *DB) RecordUninstall(name string) (string, error) {
	var storeKey string
	err := db.inTx(func(tx *sql.Tx) error {
		var err error
		storeKey, err = recordUninstall(tx, name)
		return err
	})
	if err != nil {
		return "", err
	}
	return storeKey, nil
}

func (db *DB) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Get returns the installed_kegs row for name.
func (db *DB) Get(name string) (*Keg, error) {
	row := db.conn.QueryRow(
		`SELECT name, version, store_key, installed_at, explicit, pinned FROM installed_kegs WHERE name = ?`, name)
	k, err := scanKeg(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return k, err
}

// List returns every installed keg.
func (db *DB) List() ([]Keg, error) {
	rows, err := db.conn.Query(`SELECT name, version, store_key, installed_at, explicit, pinned FROM installed_kegs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list installed_kegs: %w", err)
	}
	defer rows.Close()
	return scanKegs(rows)
}

// ListPinned returns every pinned keg.
func (db *DB) ListPinned() ([]Keg, error) {
	rows, err := db.conn.Query(
		`SELECT name, version, store_key, installed_at, explicit, pinned FROM installed_kegs WHERE pinned = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list pinned: %w", err)
	}
	defer rows.Close()
	return scanKegs(rows)
}

// ListDependencies returns every keg installed as a dependency (not
// explicit).
func (db *DB) ListDependencies() ([]Keg, error) {
	rows, err := db.conn.Query(
		`SELECT name, version, store_key, installed_at, explicit, pinned FROM installed_kegs WHERE explicit = 0 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()
	return scanKegs(rows)
}

// GetUnreferencedStoreKeys returns every store_refs key whose refcount has
// dropped to zero or below.
func (db *DB) GetUnreferencedStoreKeys() ([]string, error) {
	rows, err := db.conn.Query(`SELECT store_key FROM store_refs WHERE refcount <= 0`)
	if err != nil {
		return nil, fmt.Errorf("query unreferenced store keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ListStoreRefs returns every store_refs row as store_key -> refcount, for
// cross-module GC resolution (see the install package's gc wiring).
func (db *DB) ListStoreRefs() (map[string]int, error) {
	rows, err := db.conn.Query(`SELECT store_key, refcount FROM store_refs`)
	if err != nil {
		return nil, fmt.Errorf("list store_refs: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		out[key] = count
	}
	return out, rows.Err()
}

// DeleteZeroRefs removes every store_refs row whose refcount has dropped to
// zero or below, once the caller has confirmed the corresponding store
// entry and blob have been reclaimed.
func (db *DB) DeleteZeroRefs() (int, error) {
	res, err := db.conn.Exec(`DELETE FROM store_refs WHERE refcount <= 0`)
	if err != nil {
		return 0, fmt.Errorf("delete zero refs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetStoreRefcount returns the current refcount for storeKey (0 if the key
// is unknown).
func (db *DB) GetStoreRefcount(storeKey string) (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT refcount FROM store_refs WHERE store_key = ?`, storeKey).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get refcount %s: %w", storeKey, err)
	}
	return count, nil
}

// IsPinned reports whether name is pinned.
func (db *DB) IsPinned(name string) (bool, error) {
	var pinned int
	err := db.conn.QueryRow(`SELECT pinned FROM installed_kegs WHERE name = ?`, name).Scan(&pinned)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is pinned %s: %w", name, err)
	}
	return pinned != 0, nil
}

// IsTapped reports whether a tap named name is registered.
func (db *DB) IsTapped(name string) (bool, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM taps WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("is tapped %s: %w", name, err)
	}
	return count > 0, nil
}

// ListTaps returns every registered tap name.
func (db *DB) ListTaps() ([]string, error) {
	rows, err := db.conn.Query(`SELECT name FROM taps ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list taps: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// AddTap registers a tap.
func (db *DB) AddTap(name, url string) error {
	_, err := db.conn.Exec(
		`INSERT INTO taps (name, url, added_at) VALUES (?, ?, ?) ON CONFLICT(name) DO UPDATE SET url=excluded.url`,
		name, url, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("add tap %s: %w", name, err)
	}
	return nil
}

// RemoveTap unregisters a tap.
func (db *DB) RemoveTap(name string) error {
	_, err := db.conn.Exec(`DELETE FROM taps WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("remove tap %s: %w", name, err)
	}
	return nil
}

// GetLinkedFiles returns every keg_files row for name.
func (db *DB) GetLinkedFiles(name string) ([]LinkedFile, error) {
	rows, err := db.conn.Query(
		`SELECT name, version, link_path, target_path FROM keg_files WHERE name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("get linked files %s: %w", name, err)
	}
	defer rows.Close()
	var out []LinkedFile
	for rows.Next() {
		var lf LinkedFile
		if err := rows.Scan(&lf.Name, &lf.Version, &lf.LinkPath, &lf.TargetPath); err != nil {
			return nil, err
		}
		out = append(out, lf)
	}
	return out, rows.Err()
}

// DeleteLinkedFiles removes every keg_files row for name (used by unlink,
// which leaves the keg installed), returning how many rows were dropped.
func (db *DB) DeleteLinkedFiles(name string) (int, error) {
	res, err := db.conn.Exec(`DELETE FROM keg_files WHERE name = ?`, name)
	if err != nil {
		return 0, fmt.Errorf("delete linked files %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Pin marks name as pinned (excluded from upgrade).
func (db *DB) Pin(name string) error { return db.setFlag(name, "pinned", true) }

// Unpin clears name's pinned flag.
func (db *DB) Unpin(name string) error { return db.setFlag(name, "pinned", false) }

// MarkExplicit marks name as explicitly installed (not just a dependency).
func (db *DB) MarkExplicit(name string) error { return db.setFlag(name, "explicit", true) }

// MarkDependency clears name's explicit flag.
func (db *DB) MarkDependency(name string) error { return db.setFlag(name, "explicit", false) }

func (db *DB) setFlag(name, column string, value bool) error {
	query := fmt.Sprintf(`UPDATE installed_kegs SET %s = ? WHERE name = ?`, column) //nolint:gosec // column is one of a fixed internal set, never user input
	if _, err := db.conn.Exec(query, boolToInt(value), name); err != nil {
		return fmt.Errorf("set %s.%s for %s: %w", "installed_kegs", column, name, err)
	}
	return nil
}

func scanKeg(row *sql.Row) (*Keg, error) {
	var k Keg
	var installedAt int64
	var explicit, pinned int
	if err := row.Scan(&k.Name, &k.Version, &k.StoreKey, &installedAt, &explicit, &pinned); err != nil {
		return nil, err
	}
	k.InstalledAt = time.Unix(installedAt, 0)
	k.Explicit = explicit != 0
	k.Pinned = pinned != 0
	return &k, nil
}

func scanKegs(rows *sql.Rows) ([]Keg, error) {
	var out []Keg
	for rows.Next() {
		var k Keg
		var installedAt int64
		var explicit, pinned int
		if err := rows.Scan(&k.Name, &k.Version, &k.StoreKey, &installedAt, &explicit, &pinned); err != nil {
			return nil, err
		}
		k.InstalledAt = time.Unix(installedAt, 0)
		k.Explicit = explicit != 0
		k.Pinned = pinned != 0
		out = append(out, k)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
