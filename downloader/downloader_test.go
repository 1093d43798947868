package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	digest "github.com/opencontainers/go-digest"

	"github.com/zerobrew/zb/blobcache"
	"github.com/zerobrew/zb/formula"
)

func TestFetchAllDownloadsAndVerifiesChecksum(t *testing.T) {
	const body = "bottle contents"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body)) //nolint:errcheck
	}))
	defer srv.Close()

	dir := t.TempDir()
	cache, err := blobcache.New(dir)
	if err != nil {
		t.Fatalf("blobcache.New: %v", err)
	}
	d := New(cache, 2, nil)

	hash := digest.FromString(body)
	requests := []Request{{Index: 0, URL: srv.URL, ExpectedHash: hash, Name: "wget"}}

	results := collect(t, d, requests)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Err != nil {
		t.Fatalf("fetch failed: %v", r.Err)
	}
	if r.BlobPath != cache.BlobPath(hash) {
		t.Errorf("BlobPath = %q, want %q", r.BlobPath, cache.BlobPath(hash))
	}
	if !cache.Has(hash) {
		t.Error("cache does not have the downloaded blob")
	}
}

func TestFetchAllSkipsNetworkWhenAlreadyCached(t *testing.T) {
	dir := t.TempDir()
	cache, err := blobcache.New(dir)
	if err != nil {
		t.Fatalf("blobcache.New: %v", err)
	}

	hash := digest.FromString("cached")
	w, err := cache.StartWrite(hash)
	if err != nil {
		t.Fatalf("StartWrite: %v", err)
	}
	w.Write([]byte("cached")) //nolint:errcheck
	if _, err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	d := New(cache, 1, nil)
	requests := []Request{{Index: 0, URL: "http://example.invalid/should-not-be-fetched", ExpectedHash: hash, Name: "cached-pkg"}}

	results := collect(t, d, requests)
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("got %+v, want one successful result", results)
	}
}

func TestFetchAllReportsChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("actual content")) //nolint:errcheck
	}))
	defer srv.Close()

	dir := t.TempDir()
	cache, err := blobcache.New(dir)
	if err != nil {
		t.Fatalf("blobcache.New: %v", err)
	}
	d := New(cache, 1, nil)

	wrongHash := digest.FromString("not the actual content")
	requests := []Request{{Index: 0, URL: srv.URL, ExpectedHash: wrongHash, Name: "bad-pkg"}}

	results := collect(t, d, requests)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Err == nil {
		t.Fatal("expected a checksum mismatch error")
	}
	if _, ok := results[0].Err.(*formula.ChecksumMismatch); !ok {
		t.Errorf("error = %v (%T), want *formula.ChecksumMismatch", results[0].Err, results[0].Err)
	}
	if cache.Has(wrongHash) {
		t.Error("mismatched blob should not be committed to the cache")
	}
}

func TestParseRegistryBlobURL(t *testing.T) {
	d, ok := parseRegistryBlobURL("https://ghcr.io/v2/homebrew/core/wget/blobs/sha256:" + zeros64)
	if !ok {
		t.Fatal("parseRegistryBlobURL failed to recognize a registry blob URL")
	}
	if got := d.RegistryStr(); got != "ghcr.io" {
		t.Errorf("registry = %q, want ghcr.io", got)
	}

	if _, ok := parseRegistryBlobURL("https://formulae.brew.sh/api/formula/wget.json"); ok {
		t.Error("parseRegistryBlobURL should not match a non-registry URL")
	}
}

const zeros64 = "0000000000000000000000000000000000000000000000000000000000000000" // 64 zeros

func collect(t *testing.T, d *Downloader, requests []Request) []Result {
	t.Helper()
	var out []Result
	for r := range d.FetchAll(context.Background(), requests) {
		out = append(out, r)
	}
	return out
}
