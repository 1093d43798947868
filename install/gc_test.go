package install

import (
	"archive/tar"
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"

	"github.com/zerobrew/zb/blobcache"
	"github.com/zerobrew/zb/metadatadb"
	"github.com/zerobrew/zb/objectstore"
)

func makeTestTarGz(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	tw.WriteHeader(&tar.Header{Name: "f", Size: 1}) //nolint:errcheck
	tw.Write([]byte("x"))                           //nolint:errcheck
	tw.Close()                                      //nolint:errcheck
	gz.Close()                                      //nolint:errcheck
	return buf.Bytes()
}

func TestGCOrchestratorReclaimsUnreferencedStoreEntry(t *testing.T) {
	dir := t.TempDir()
	blobs, err := blobcache.New(dir)
	if err != nil {
		t.Fatalf("blobcache.New: %v", err)
	}
	store, err := objectstore.New(dir)
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	db, err := metadatadb.Open(filepath.Join(dir, "main.sqlite"))
	if err != nil {
		t.Fatalf("metadatadb.Open: %v", err)
	}
	defer db.Close()

	data := makeTestTarGz(t)
	hash := digest.FromBytes(data)
	w, err := blobs.StartWrite(hash)
	if err != nil {
		t.Fatalf("StartWrite: %v", err)
	}
	w.Write(data) //nolint:errcheck
	blobPath, err := w.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if blobPath == "" {
		t.Fatal("empty blob path")
	}
	if _, err := store.EnsureEntry(hash, blobs.BlobPath(hash)); err != nil {
		t.Fatalf("EnsureEntry: %v", err)
	}

	if err := db.RecordInstall("widget", "1.0.0", hash.String(), true); err != nil {
		t.Fatalf("RecordInstall: %v", err)
	}
	if _, err := db.RecordUninstall("widget"); err != nil {
		t.Fatalf("RecordUninstall: %v", err)
	}

	o := NewGCOrchestrator(store, db)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if store.Has(hash) {
		t.Error("store entry should have been reclaimed")
	}
	// gc leaves blobs alone: reclaiming them is cleanup's job, and a kept
	// blob makes a reinstall of the same content a cache hit.
	if !blobs.Has(hash) {
		t.Error("blob should survive gc")
	}

	refs, err := db.ListStoreRefs()
	if err != nil {
		t.Fatalf("ListStoreRefs: %v", err)
	}
	if _, ok := refs[hash.String()]; ok {
		t.Error("store_refs row should have been deleted")
	}
}

func TestGCOrchestratorKeepsReferencedEntries(t *testing.T) {
	dir := t.TempDir()
	blobs, err := blobcache.New(dir)
	if err != nil {
		t.Fatalf("blobcache.New: %v", err)
	}
	store, err := objectstore.New(dir)
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	db, err := metadatadb.Open(filepath.Join(dir, "main.sqlite"))
	if err != nil {
		t.Fatalf("metadatadb.Open: %v", err)
	}
	defer db.Close()

	data := makeTestTarGz(t)
	hash := digest.FromBytes(data)
	w, err := blobs.StartWrite(hash)
	if err != nil {
		t.Fatalf("StartWrite: %v", err)
	}
	w.Write(data) //nolint:errcheck
	if _, err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := store.EnsureEntry(hash, blobs.BlobPath(hash)); err != nil {
		t.Fatalf("EnsureEntry: %v", err)
	}
	if err := db.RecordInstall("widget", "1.0.0", hash.String(), true); err != nil {
		t.Fatalf("RecordInstall: %v", err)
	}

	o := NewGCOrchestrator(store, db)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !blobs.Has(hash) {
		t.Error("referenced blob should survive GC")
	}
	if !store.Has(hash) {
		t.Error("referenced store entry should survive GC")
	}
}
