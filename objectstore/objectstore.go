package objectstore

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"

	"github.com/zerobrew/zb/formula"
	"github.com/zerobrew/zb/lock"
	"github.com/zerobrew/zb/lock/flock"
	"github.com/zerobrew/zb/utils"
)

// Store materializes verified bottle blobs as immutable directory trees
// under storeDir, keyed by content hash, extracted exactly once per key
// regardless of concurrency. See SPEC_FULL.md §4.2.
type Store struct {
	storeDir string
	locksDir string
}

// New creates a Store rooted at root (root/store, root/locks).
func New(root string) (*Store, error) {
	s := &Store{
		storeDir: filepath.Join(root, "store"),
		locksDir: filepath.Join(root, "locks"),
	}
	if err := utils.EnsureDirs(s.storeDir, s.locksDir); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) entryPath(key digest.Digest) string {
	return filepath.Join(s.storeDir, key.Encoded())
}

func (s *Store) lockPath(key digest.Digest) string {
	return filepath.Join(s.locksDir, key.Encoded()+".lock")
}

// Has reports whether key's store entry exists.
func (s *Store) Has(key digest.Digest) bool {
	_, err := os.Stat(s.entryPath(key))
	return err == nil
}

// EnsureEntry returns the store entry for key, extracting blobPath into it
// if it does not already exist. A file lock at locks/{key}.lock serializes
// concurrent extraction attempts for the same key; existence is re-checked
// after acquiring the lock so a peer that finished first is observed.
func (s *Store) EnsureEntry(key digest.Digest, blobPath string) (string, error) {
	entry := s.entryPath(key)
	if s.Has(key) {
		return entry, nil
	}

	l := flock.New(s.lockPath(key))
	err := lock.WithLock(context.Background(), l, func() error {
		if s.Has(key) {
			return nil
		}

		tmpDir := filepath.Join(s.storeDir, fmt.Sprintf(".%s.tmp.%d.%s", key.Encoded(), os.Getpid(), uuid.New().String()))
		if err := extractTarGz(blobPath, tmpDir); err != nil {
			_ = os.RemoveAll(tmpDir)
			return &formula.StoreCorruption{Message: fmt.Sprintf("extract %s: %v", key, err)}
		}

		if err := os.Rename(tmpDir, entry); err != nil {
			_ = os.RemoveAll(tmpDir)
			return fmt.Errorf("commit store entry %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return entry, nil
}

// Remove takes the per-key lock and deletes the entry directory. The
// caller (the installer, via the metadata DB's refcount) is responsible
// for only calling this when the key is unreferenced.
func (s *Store) Remove(key digest.Digest) error {
	l := flock.New(s.lockPath(key))
	return lock.WithLock(context.Background(), l, func() error {
		if err := os.RemoveAll(s.entryPath(key)); err != nil {
			return fmt.Errorf("remove store entry %s: %w", key, err)
		}
		return nil
	})
}

// List enumerates every committed store entry's key.
func (s *Store) List() ([]digest.Digest, error) {
	var out []digest.Digest
	for _, name := range utils.ScanSubdirs(s.storeDir) {
		if strings.HasPrefix(name, ".") {
			continue
		}
		out = append(out, digest.NewDigestFromEncoded(digest.SHA256, name))
	}
	return out, nil
}

// CleanupTempDirs removes any top-level entry in storeDir whose name is a
// leftover extraction-in-progress marker (".{key}.tmp.{pid}.{uuid}").
func (s *Store) CleanupTempDirs() (int, error) {
	var count int
	for _, name := range utils.ScanSubdirs(s.storeDir) {
		if strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp.") {
			if err := os.RemoveAll(filepath.Join(s.storeDir, name)); err == nil {
				count++
			}
		}
	}
	return count, nil
}

// CleanupStaleLocks removes lock files whose keyed store entry no longer
// exists.
func (s *Store) CleanupStaleLocks() (int, error) {
	var count int
	for _, stem := range utils.ScanFileStems(s.locksDir, ".lock") {
		if !s.Has(digest.NewDigestFromEncoded(digest.SHA256, stem)) {
			if err := os.Remove(filepath.Join(s.locksDir, stem+".lock")); err == nil {
				count++
			}
		}
	}
	return count, nil
}

// extractTarGz extracts the gzip-compressed tar archive at blobPath into
// dir, which must not already exist.
func extractTarGz(blobPath, dir string) error {
	f, err := os.Open(blobPath) //nolint:gosec // blobPath comes from the blob cache, not user input
	if err != nil {
		return fmt.Errorf("open blob: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("mkdir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return fmt.Errorf("mkdir %s: %w", filepath.Dir(target), err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777) //nolint:gosec
			if err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			if _, err := io.CopyN(out, tr, hdr.Size); err != nil {
				out.Close()
				return fmt.Errorf("write %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close %s: %w", target, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return fmt.Errorf("mkdir %s: %w", filepath.Dir(target), err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("symlink %s: %w", target, err)
			}
		}
	}
}

// safeJoin joins dir and name, rejecting any entry whose resolved path
// would escape dir (a maliciously-crafted or corrupted archive).
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, name)
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
		return "", &formula.StoreCorruption{Message: fmt.Sprintf("archive entry %q escapes extraction root", name)}
	}
	return target, nil
}
