package formula

import (
	"fmt"
	"strings"
)

// LinkConflictType identifies what already occupies a path the linker
// wanted to place a symlink at.
type LinkConflictType int

const (
	LinkConflictRegularFile LinkConflictType = iota
	LinkConflictDirectory
	LinkConflictSymlinkToOther
	LinkConflictUnknown
)

// UnsupportedBottle reports that a formula has no bottle compatible with
// the running platform.
type UnsupportedBottle struct {
	Name               string
	AvailablePlatforms []string
}

func (e *UnsupportedBottle) Error() string {
	msg := fmt.Sprintf("no compatible bottle for formula %q on this platform", e.Name)
	if len(e.AvailablePlatforms) > 0 {
		msg += fmt.Sprintf(" (available for: %s)", strings.Join(e.AvailablePlatforms, ", "))
	}
	return msg + "\n  hint: zb installs bottles only; building from source is not supported"
}

// ChecksumMismatch reports a downloaded blob whose content hash did not
// match the formula descriptor's expected hash.
type ChecksumMismatch struct {
	Expected string
	Actual   string
	FileName string // empty if unknown
}

func (e *ChecksumMismatch) Error() string {
	msg := "checksum verification failed"
	if e.FileName != "" {
		msg += fmt.Sprintf(" for %q", e.FileName)
	}
	msg += fmt.Sprintf("\n  expected: %s\n  got:      %s", e.Expected, e.Actual)
	return msg + "\n  hint: this may indicate a corrupted download or CDN issue; try again"
}

// LinkConflict reports that the linker could not place a symlink because
// something else already occupies its path.
type LinkConflict struct {
	Path         string
	ExistingType LinkConflictType
	Target       string // set only when ExistingType == LinkConflictSymlinkToOther
}

func (e *LinkConflict) Error() string {
	switch e.ExistingType {
	case LinkConflictRegularFile:
		return fmt.Sprintf("cannot link %q (file already exists)\n  hint: remove the existing file first", e.Path)
	case LinkConflictDirectory:
		return fmt.Sprintf("cannot link %q (directory already exists)\n  hint: remove the existing directory first", e.Path)
	case LinkConflictSymlinkToOther:
		return fmt.Sprintf("cannot link %q (symlink to %q already exists)\n  hint: use --overwrite to replace the existing symlink", e.Path, e.Target)
	default:
		return fmt.Sprintf("cannot link %q (path already exists)", e.Path)
	}
}

// StoreCorruption reports an extraction or on-disk invariant violation in
// the object store, triggering a bounded re-fetch in the installer.
type StoreCorruption struct {
	Message string
}

func (e *StoreCorruption) Error() string {
	return fmt.Sprintf("store corruption detected: %s\n  hint: run 'zb doctor' to diagnose and 'zb gc' to clean up", e.Message)
}

// NetworkFailure reports a transient or permanent HTTP failure.
type NetworkFailure struct {
	Message string
}

func (e *NetworkFailure) Error() string {
	return fmt.Sprintf("network error: %s\n  hint: check your internet connection and try again", e.Message)
}

// MissingFormula reports a catalog miss after all taps were consulted.
type MissingFormula struct {
	Name string
}

func (e *MissingFormula) Error() string {
	return fmt.Sprintf("formula %q not found\n  hint: check the name, or add the tap that provides it with 'zb tap add'", e.Name)
}

// DependencyCycle reports a cycle detected while topologically ordering
// an install plan's dependency closure.
type DependencyCycle struct {
	Cycle []string
}

func (e *DependencyCycle) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s\n  hint: this is likely a formula bug; please report it upstream", strings.Join(e.Cycle, " -> "))
}

// NotInstalled reports an uninstall/link/unlink against a package that has
// no installed_kegs row.
type NotInstalled struct {
	Name string
}

func (e *NotInstalled) Error() string {
	return fmt.Sprintf("formula %q is not installed\n  hint: run 'zb install %s' to install it", e.Name, e.Name)
}
