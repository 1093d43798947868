package metadatadb

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "main.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordInstallAndGet(t *testing.T) {
	db := openTestDB(t)

	if err := db.RecordInstall("wget", "1.21.3", "sha256:abc", true); err != nil {
		t.Fatalf("RecordInstall: %v", err)
	}

	k, err := db.Get("wget")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if k == nil {
		t.Fatal("Get returned nil for installed keg")
	}
	if k.Version != "1.21.3" || k.StoreKey != "sha256:abc" || !k.Explicit {
		t.Errorf("Get = %+v, unexpected fields", k)
	}

	count, err := db.GetStoreRefcount("sha256:abc")
	if err != nil {
		t.Fatalf("GetStoreRefcount: %v", err)
	}
	if count != 1 {
		t.Errorf("refcount = %d, want 1", count)
	}
}

func TestRecordInstallSharedStoreKeyIncrementsRefcount(t *testing.T) {
	db := openTestDB(t)

	if err := db.RecordInstall("a", "1.0", "sha256:shared", true); err != nil {
		t.Fatalf("RecordInstall a: %v", err)
	}
	if err := db.RecordInstall("b", "1.0", "sha256:shared", true); err != nil {
		t.Fatalf("RecordInstall b: %v", err)
	}

	count, err := db.GetStoreRefcount("sha256:shared")
	if err != nil {
		t.Fatalf("GetStoreRefcount: %v", err)
	}
	if count != 2 {
		t.Errorf("refcount = %d, want 2", count)
	}
}

func TestRecordUninstallDecrementsRefcountAndReturnsStoreKey(t *testing.T) {
	db := openTestDB(t)

	if err := db.RecordInstall("wget", "1.21.3", "sha256:abc", true); err != nil {
		t.Fatalf("RecordInstall: %v", err)
	}
	if err := db.RecordLinkedFile("wget", "1.21.3", "/prefix/bin/wget", "/store/abc/bin/wget"); err != nil {
		t.Fatalf("RecordLinkedFile: %v", err)
	}

	storeKey, err := db.RecordUninstall("wget")
	if err != nil {
		t.Fatalf("RecordUninstall: %v", err)
	}
	if storeKey != "sha256:abc" {
		t.Errorf("RecordUninstall storeKey = %q, want %q", storeKey, "sha256:abc")
	}

	if k, err := db.Get("wget"); err != nil || k != nil {
		t.Errorf("Get after uninstall = %+v, %v, want nil, nil", k, err)
	}

	files, err := db.GetLinkedFiles("wget")
	if err != nil {
		t.Fatalf("GetLinkedFiles: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("GetLinkedFiles after uninstall = %v, want empty", files)
	}

	refcount, err := db.GetStoreRefcount("sha256:abc")
	if err != nil {
		t.Fatalf("GetStoreRefcount: %v", err)
	}
	if refcount != 0 {
		t.Errorf("refcount after uninstall = %d, want 0", refcount)
	}

	keys, err := db.GetUnreferencedStoreKeys()
	if err != nil {
		t.Fatalf("GetUnreferencedStoreKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "sha256:abc" {
		t.Errorf("GetUnreferencedStoreKeys = %v, want [sha256:abc]", keys)
	}
}

func TestPinAndUnpin(t *testing.T) {
	db := openTestDB(t)
	if err := db.RecordInstall("wget", "1.21.3", "sha256:abc", true); err != nil {
		t.Fatalf("RecordInstall: %v", err)
	}

	if err := db.Pin("wget"); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if pinned, err := db.IsPinned("wget"); err != nil || !pinned {
		t.Errorf("IsPinned = %v, %v, want true, nil", pinned, err)
	}

	if err := db.Unpin("wget"); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	if pinned, err := db.IsPinned("wget"); err != nil || pinned {
		t.Errorf("IsPinned after Unpin = %v, %v, want false, nil", pinned, err)
	}
}

func TestListDependenciesExcludesExplicit(t *testing.T) {
	db := openTestDB(t)
	if err := db.RecordInstall("wget", "1.21.3", "sha256:a", true); err != nil {
		t.Fatalf("RecordInstall wget: %v", err)
	}
	if err := db.RecordInstall("openssl", "3.0.0", "sha256:b", false); err != nil {
		t.Fatalf("RecordInstall openssl: %v", err)
	}

	deps, err := db.ListDependencies()
	if err != nil {
		t.Fatalf("ListDependencies: %v", err)
	}
	if len(deps) != 1 || deps[0].Name != "openssl" {
		t.Errorf("ListDependencies = %v, want only openssl", deps)
	}
}

func TestTapLifecycle(t *testing.T) {
	db := openTestDB(t)
	if err := db.AddTap("homebrew/core", "https://github.com/Homebrew/homebrew-core"); err != nil {
		t.Fatalf("AddTap: %v", err)
	}
	if tapped, err := db.IsTapped("homebrew/core"); err != nil || !tapped {
		t.Errorf("IsTapped = %v, %v, want true, nil", tapped, err)
	}

	taps, err := db.ListTaps()
	if err != nil {
		t.Fatalf("ListTaps: %v", err)
	}
	if len(taps) != 1 || taps[0] != "homebrew/core" {
		t.Errorf("ListTaps = %v, want [homebrew/core]", taps)
	}

	if err := db.RemoveTap("homebrew/core"); err != nil {
		t.Fatalf("RemoveTap: %v", err)
	}
	if tapped, err := db.IsTapped("homebrew/core"); err != nil || tapped {
		t.Errorf("IsTapped after remove = %v, %v, want false, nil", tapped, err)
	}
}
