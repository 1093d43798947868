package utils

import (
	"fmt"
	"os"
	"strings"
)

// EnsureDirs creates all directories with 0o750 permissions.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ValidFile returns true if path is a regular file with size > 0.
func ValidFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// ScanFileStems returns the name-without-suffix of every file in dir whose
// name ends with suffix. Used to enumerate the object store's lock files.
func ScanFileStems(dir, suffix string) []string {
	entries, _ := os.ReadDir(dir)
	var stems []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			stems = append(stems, strings.TrimSuffix(e.Name(), suffix))
		}
	}
	return stems
}

// ScanSubdirs returns the names of all immediate subdirectories of dir.
// Used to enumerate store entries and leftover extraction temp dirs.
func ScanSubdirs(dir string) []string {
	entries, _ := os.ReadDir(dir)
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

// FilterUnreferenced returns the elements of candidates not present in refs
// or any of the optional exclude sets. Used by GC Resolve to compute deletions.
func FilterUnreferenced(candidates []string, refs map[string]struct{}, exclude ...map[string]struct{}) []string {
	var out []string
	for _, s := range candidates {
		if _, ok := refs[s]; ok {
			continue
		}
		excluded := false
		for _, ex := range exclude {
			if _, ok := ex[s]; ok {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, s)
		}
	}
	return out
}

