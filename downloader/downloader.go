// Package downloader fetches bottle blobs in parallel with bounded
// concurrency, streaming hash verification, and at-most-once behavior per
// content hash.
package downloader

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/zerobrew/zb/blobcache"
	"github.com/zerobrew/zb/formula"
	"github.com/zerobrew/zb/progress"
	downloadProgress "github.com/zerobrew/zb/progress/download"
)

// Request is one blob to fetch.
type Request struct {
	Index        int
	URL          string
	ExpectedHash digest.Digest
	Name         string
}

// Result is the outcome of fetching one Request.
type Result struct {
	Index    int
	BlobPath string
	Err      error
}

const progressInterval = 250 * time.Millisecond

// Downloader fetches blobs into a blobcache.Cache with bounded concurrency.
type Downloader struct {
	cache       *blobcache.Cache
	client      *http.Client
	concurrency int
	tracker     progress.Tracker
}

// New creates a Downloader backed by cache, allowing at most concurrency
// simultaneous in-flight fetches. tracker may be progress.Nop.
func New(cache *blobcache.Cache, concurrency int, tracker progress.Tracker) *Downloader {
	if concurrency < 1 {
		concurrency = 1
	}
	if tracker == nil {
		tracker = progress.Nop
	}
	return &Downloader{
		cache:       cache,
		client:      &http.Client{Timeout: 10 * time.Minute},
		concurrency: concurrency,
		tracker:     tracker,
	}
}

// FetchAll fetches every request, delivering one Result per request on the
// returned channel as each completes (out of order). The channel is closed
// once every request has produced a Result or ctx is cancelled.
func (d *Downloader) FetchAll(ctx context.Context, requests []Request) <-chan Result {
	out := make(chan Result, len(requests))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for _, req := range requests {
		req := req
		g.Go(func() error {
			blobPath, err := d.fetchOne(ctx, req)
			out <- Result{Index: req.Index, BlobPath: blobPath, Err: err}
			return nil // a single request's failure must not cancel its siblings.
		})
	}

	go func() {
		_ = g.Wait()
		close(out)
	}()
	return out
}

// FetchOne fetches a single request synchronously, returning the blob
// cache path. The installer uses this directly when re-fetching a blob
// whose extraction failed with store corruption.
func (d *Downloader) FetchOne(ctx context.Context, req Request) (string, error) {
	return d.fetchOne(ctx, req)
}

// fetchOne fetches a single request, returning the blob cache path.
func (d *Downloader) fetchOne(ctx context.Context, req Request) (string, error) {
	if d.cache.Has(req.ExpectedHash) {
		d.tracker.OnEvent(downloadProgress.Event{Name: req.Name, Phase: downloadProgress.PhaseCompleted})
		return d.cache.BlobPath(req.ExpectedHash), nil
	}

	d.tracker.OnEvent(downloadProgress.Event{Name: req.Name, Phase: downloadProgress.PhaseStarted})

	body, totalBytes, err := d.open(ctx, req.URL)
	if err != nil {
		return "", &formula.NetworkFailure{Message: fmt.Sprintf("download %s: %v", req.Name, err)}
	}
	defer body.Close()

	w, err := d.cache.StartWrite(req.ExpectedHash)
	if err != nil {
		return "", fmt.Errorf("start write for %s: %w", req.Name, err)
	}
	defer w.Abort() // no-op once committed.

	hasher := sha256.New()
	var downloaded int64
	lastReport := time.Now()
	buf := make([]byte, 64*1024)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			downloaded += int64(n)
			hasher.Write(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				return "", fmt.Errorf("write blob for %s: %w", req.Name, werr)
			}
			if time.Since(lastReport) >= progressInterval {
				d.tracker.OnEvent(downloadProgress.Event{
					Name: req.Name, BytesDone: downloaded, BytesTotal: totalBytes,
					Phase: downloadProgress.PhaseProgress,
				})
				lastReport = time.Now()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", &formula.NetworkFailure{Message: fmt.Sprintf("read body for %s: %v", req.Name, readErr)}
		}
	}

	actual := digest.NewDigestFromEncoded(digest.SHA256, fmt.Sprintf("%x", hasher.Sum(nil)))
	if actual != req.ExpectedHash {
		return "", &formula.ChecksumMismatch{
			Expected: req.ExpectedHash.String(),
			Actual:   actual.String(),
			FileName: req.Name,
		}
	}

	path, err := w.Commit()
	if err != nil {
		return "", fmt.Errorf("commit blob for %s: %w", req.Name, err)
	}
	d.tracker.OnEvent(downloadProgress.Event{Name: req.Name, BytesDone: downloaded, BytesTotal: downloaded, Phase: downloadProgress.PhaseCompleted})
	return path, nil
}

// open returns a reader for url's body along with its known content
// length (-1 if unknown). Registry-hosted bottle blobs (ghcr.io/v2/.../
// blobs/sha256:...) are fetched via the OCI registry transport, which
// handles the bearer-token redirect dance; everything else goes through a
// plain retrying HTTP GET.
func (d *Downloader) open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	if dig, ok := parseRegistryBlobURL(url); ok {
		layer, err := remote.Layer(dig, remote.WithContext(ctx))
		if err != nil {
			return nil, -1, fmt.Errorf("fetch registry layer %s: %w", dig, err)
		}
		size, _ := layer.Size() // -1-like fallback handled below.
		rc, err := layer.Compressed()
		if err != nil {
			return nil, -1, fmt.Errorf("open registry layer %s: %w", dig, err)
		}
		if size <= 0 {
			size = -1
		}
		return rc, size, nil
	}

	resp, err := d.getWithRetry(ctx, url)
	if err != nil {
		return nil, -1, err
	}
	return resp.Body, resp.ContentLength, nil
}

// parseRegistryBlobURL recognizes a Docker Registry HTTP API V2 blob URL
// (https://<host>/v2/<repo>/blobs/sha256:<hex>) — the shape real-world
// Homebrew bottle URLs on ghcr.io take — and turns it into a name.Digest
// reference go-containerregistry can fetch directly, bypassing the need
// to resolve a manifest first.
func parseRegistryBlobURL(rawURL string) (name.Digest, bool) {
	u, err := neturl.Parse(rawURL)
	if err != nil {
		return name.Digest{}, false
	}
	const v2Marker = "/v2/"
	const blobsMarker = "/blobs/"
	v2Idx := strings.Index(u.Path, v2Marker)
	if v2Idx < 0 {
		return name.Digest{}, false
	}
	rest := u.Path[v2Idx+len(v2Marker):]
	blobsIdx := strings.Index(rest, blobsMarker)
	if blobsIdx < 0 {
		return name.Digest{}, false
	}
	repoPath := rest[:blobsIdx]
	dig := rest[blobsIdx+len(blobsMarker):]
	if repoPath == "" || dig == "" {
		return name.Digest{}, false
	}

	d, err := name.NewDigest(fmt.Sprintf("%s/%s@%s", u.Host, repoPath, dig))
	if err != nil {
		return name.Digest{}, false
	}
	return d, true
}

const maxRetries = 3

// getWithRetry issues a GET, retrying transient failures (connection
// errors and 5xx responses) with a small bounded number of attempts.
func (d *Downloader) getWithRetry(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
		} else if resp.StatusCode >= 500 {
			resp.Body.Close() //nolint:errcheck
			lastErr = fmt.Errorf("server error: %s", resp.Status)
		} else if resp.StatusCode >= 400 {
			resp.Body.Close() //nolint:errcheck
			return nil, fmt.Errorf("client error: %s", resp.Status)
		} else {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return nil, lastErr
}

// RemoveBlob forwards to the underlying cache, used by the installer after
// detecting extraction-time store corruption.
func (d *Downloader) RemoveBlob(hash digest.Digest) (bool, error) {
	return d.cache.Remove(hash)
}
