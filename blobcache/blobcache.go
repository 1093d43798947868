package blobcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"

	"github.com/zerobrew/zb/utils"
)

// Cache is a content-addressed cache of downloaded, still-compressed
// bottle tarballs under blobsDir, with a sibling tmpDir for in-progress
// writes. See SPEC_FULL.md §4.1.
type Cache struct {
	blobsDir string
	tmpDir   string
}

// New creates a Cache rooted at root (root/blobs, root/tmp), creating both
// directories if absent.
func New(root string) (*Cache, error) {
	c := &Cache{
		blobsDir: filepath.Join(root, "blobs"),
		tmpDir:   filepath.Join(root, "tmp"),
	}
	if err := utils.EnsureDirs(c.blobsDir, c.tmpDir); err != nil {
		return nil, err
	}
	return c, nil
}

// BlobPath returns the path a committed blob for hash would live at. Pure;
// does not check existence.
func (c *Cache) BlobPath(hash digest.Digest) string {
	return filepath.Join(c.blobsDir, hash.Encoded()+".tar.gz")
}

// Has reports whether hash's blob is present. A zero-length file does not
// count: no committed blob is empty, so one can only be debris.
func (c *Cache) Has(hash digest.Digest) bool {
	return utils.ValidFile(c.BlobPath(hash))
}

// Remove deletes hash's blob. Returns false (no error) if it was already
// absent.
func (c *Cache) Remove(hash digest.Digest) (bool, error) {
	err := os.Remove(c.BlobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("remove blob %s: %w", hash, err)
	}
	return true, nil
}

// Writer is a handle to an in-progress blob write. Call Commit to finalize
// or Abort to discard; a Writer that is neither committed nor explicitly
// aborted should be aborted by the caller via a defer.
type Writer struct {
	file      *os.File
	tmpPath   string
	finalPath string
	committed bool
}

// StartWrite opens a uniquely-named temp file for hash. Uniqueness
// combines the process id and a UUID so concurrent writers from one
// process (or a crash-restarted process racing a stale temp file) never
// collide.
func (c *Cache) StartWrite(hash digest.Digest) (*Writer, error) {
	tmpName := fmt.Sprintf("%s.%d.%s.tar.gz.part", hash.Encoded(), os.Getpid(), uuid.New().String())
	tmpPath := filepath.Join(c.tmpDir, tmpName)

	f, err := os.Create(tmpPath) //nolint:gosec // path built from cache-internal dir + generated name
	if err != nil {
		return nil, fmt.Errorf("create temp blob %s: %w", tmpPath, err)
	}
	return &Writer{file: f, tmpPath: tmpPath, finalPath: c.BlobPath(hash)}, nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) { return w.file.Write(p) }

// Commit flushes and atomically renames the temp file into place. If the
// final path already exists (a racing writer won), the temp file is
// discarded and Commit still reports success — the blob's content hashes
// to its key regardless of which writer committed it first.
func (w *Writer) Commit() (string, error) {
	if err := w.file.Sync(); err != nil {
		return "", fmt.Errorf("sync blob: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}

	if _, err := os.Stat(w.finalPath); err == nil {
		_ = os.Remove(w.tmpPath)
		w.committed = true
		return w.finalPath, nil
	}

	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		if _, statErr := os.Stat(w.finalPath); statErr == nil {
			_ = os.Remove(w.tmpPath)
		} else {
			return "", fmt.Errorf("commit blob: %w", err)
		}
	}
	w.committed = true
	return w.finalPath, nil
}

// Abort discards an in-progress write. Safe to call after Commit (no-op).
func (w *Writer) Abort() {
	if w.committed {
		return
	}
	_ = w.file.Close()
	_ = os.Remove(w.tmpPath)
}

// BlobInfo describes one entry returned by List.
type BlobInfo struct {
	Hash    digest.Digest
	ModTime time.Time
	Size    int64
}

// List enumerates every committed blob.
func (c *Cache) List() ([]BlobInfo, error) {
	entries, err := os.ReadDir(c.blobsDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.blobsDir, err)
	}
	var out []BlobInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tar.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		hex := strings.TrimSuffix(e.Name(), ".tar.gz")
		out = append(out, BlobInfo{
			Hash:    digest.NewDigestFromEncoded(digest.SHA256, hex),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	return out, nil
}

// TotalSize sums the size of every committed blob.
func (c *Cache) TotalSize() (int64, error) {
	blobs, err := c.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, b := range blobs {
		total += b.Size
	}
	return total, nil
}

// RemoveOlderThan removes every blob whose mtime is older than maxAge,
// returning the removed hashes and bytes freed.
func (c *Cache) RemoveOlderThan(maxAge time.Duration) ([]digest.Digest, int64, error) {
	blobs, err := c.List()
	if err != nil {
		return nil, 0, err
	}
	now := time.Now()
	var removed []digest.Digest
	var freed int64
	for _, b := range blobs {
		if now.Sub(b.ModTime) <= maxAge {
			continue
		}
		if ok, err := c.Remove(b.Hash); err == nil && ok {
			removed = append(removed, b.Hash)
			freed += b.Size
		}
	}
	return removed, freed, nil
}

// RemoveExcept removes every blob not in keep, returning removed hashes
// and bytes freed.
func (c *Cache) RemoveExcept(keep map[digest.Digest]bool) ([]digest.Digest, int64, error) {
	blobs, err := c.List()
	if err != nil {
		return nil, 0, err
	}
	var removed []digest.Digest
	var freed int64
	for _, b := range blobs {
		if keep[b.Hash] {
			continue
		}
		if ok, err := c.Remove(b.Hash); err == nil && ok {
			removed = append(removed, b.Hash)
			freed += b.Size
		}
	}
	return removed, freed, nil
}

// CleanupTempFiles unconditionally removes every stray ".part" file left
// in tmpDir by an abandoned writer, returning count and bytes freed.
func (c *Cache) CleanupTempFiles() (int, int64, error) {
	entries, err := os.ReadDir(c.tmpDir)
	if err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", c.tmpDir, err)
	}
	var count int
	var freed int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(c.tmpDir, e.Name())
		if err := os.Remove(path); err == nil {
			count++
			freed += info.Size()
		}
	}
	return count, freed, nil
}
