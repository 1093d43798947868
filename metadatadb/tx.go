package metadatadb

import (
	"database/sql"
	"fmt"
	"time"
)

// Tx brackets the record operations for one package so they commit or roll
// back as a unit. Commit must be explicit; Rollback after Commit is a
// no-op, so `defer tx.Rollback()` is the safe usage pattern.
type Tx struct {
	tx   *sql.Tx
	done bool
}

// Begin opens a transaction.
func (db *DB) Begin() (*Tx, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit makes every record operation since Begin durable.
func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback discards every record operation since Begin. No-op after Commit.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// RecordInstall inserts or replaces the installed_kegs row for name and
// increments store_refs[storeKey], creating it if absent.
func (t *Tx) RecordInstall(name, version, storeKey string, explicit bool) error {
	return recordInstall(t.tx, name, version, storeKey, explicit)
}

// RecordLinkedFile inserts or replaces a keg_files row.
func (t *Tx) RecordLinkedFile(name, version, link, target string) error {
	return recordLinkedFile(t.tx, name, version, link, target)
}

// RecordUninstall deletes name's installed_kegs row and all its keg_files
// rows, decrements store_refs, and returns the store key that was
// referenced so the caller can trigger GC.
func (t *Tx) RecordUninstall(name string) (string, error) {
	return recordUninstall(t.tx, name)
}

func recordInstall(tx *sql.Tx, name, version, storeKey string, explicit bool) error {
	// A replaced row (version upgrade, or a reinstall against a different
	// bottle) must release its previous store reference, or the refcount
	// invariant — refcount(k) equals the number of rows naming k — breaks.
	var prevKey string
	err := tx.QueryRow(`SELECT store_key FROM installed_kegs WHERE name = ?`, name).Scan(&prevKey)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("lookup previous install %s: %w", name, err)
	}

	_, err = tx.Exec(
		`INSERT INTO installed_kegs (name, version, store_key, installed_at, explicit, pinned)
		 VALUES (?, ?, ?, ?, ?, 0)
		 ON CONFLICT(name) DO UPDATE SET version=excluded.version, store_key=excluded.store_key,
		   installed_at=excluded.installed_at, explicit=excluded.explicit`,
		name, version, storeKey, time.Now().Unix(), boolToInt(explicit),
	)
	if err != nil {
		return fmt.Errorf("insert installed_kegs: %w", err)
	}

	if prevKey == storeKey {
		return nil // same content; the existing reference stands.
	}
	_, err = tx.Exec(
		`INSERT INTO store_refs (store_key, refcount) VALUES (?, 1)
		 ON CONFLICT(store_key) DO UPDATE SET refcount = refcount + 1`,
		storeKey,
	)
	if err != nil {
		return fmt.Errorf("bump store_refs: %w", err)
	}
	if prevKey != "" {
		if _, err := tx.Exec(`UPDATE store_refs SET refcount = refcount - 1 WHERE store_key = ?`, prevKey); err != nil {
			return fmt.Errorf("release previous store_refs: %w", err)
		}
	}

	// Link rows for the replaced version are stale the moment the new row
	// lands; the installer re-records the new version's links in the same
	// transaction.
	if _, err := tx.Exec(`DELETE FROM keg_files WHERE name = ? AND version <> ?`, name, version); err != nil {
		return fmt.Errorf("drop stale keg_files: %w", err)
	}
	return nil
}

func recordLinkedFile(tx *sql.Tx, name, version, link, target string) error {
	_, err := tx.Exec(
		`INSERT INTO keg_files (name, version, link_path, target_path) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name, link_path) DO UPDATE SET target_path=excluded.target_path, version=excluded.version`,
		name, version, link, target,
	)
	if err != nil {
		return fmt.Errorf("insert keg_files: %w", err)
	}
	return nil
}

func recordUninstall(tx *sql.Tx, name string) (string, error) {
	var storeKey string
	row := tx.QueryRow(`SELECT store_key FROM installed_kegs WHERE name = ?`, name)
	if err := row.Scan(&storeKey); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("no installed keg named %q", name)
		}
		return "", fmt.Errorf("lookup %s: %w", name, err)
	}
	if _, err := tx.Exec(`DELETE FROM keg_files WHERE name = ?`, name); err != nil {
		return "", fmt.Errorf("delete keg_files: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM installed_kegs WHERE name = ?`, name); err != nil {
		return "", fmt.Errorf("delete installed_kegs: %w", err)
	}
	if _, err := tx.Exec(`UPDATE store_refs SET refcount = refcount - 1 WHERE store_key = ?`, storeKey); err != nil {
		return "", fmt.Errorf("decrement store_refs: %w", err)
	}
	return storeKey, nil
}
