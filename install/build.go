package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// BuildSystem identifies the build tool a source tree uses, detected from
// its marker files. The set is closed: anything unrecognized is Unknown
// and cannot be built.
type BuildSystem int

const (
	BuildSystemUnknown BuildSystem = iota
	BuildSystemCMake
	BuildSystemMeson
	BuildSystemAutotools
	BuildSystemMake
)

func (b BuildSystem) String() string {
	switch b {
	case BuildSystemCMake:
		return "cmake"
	case BuildSystemMeson:
		return "meson"
	case BuildSystemAutotools:
		return "autotools"
	case BuildSystemMake:
		return "make"
	default:
		return "unknown"
	}
}

// DetectBuildSystem sniffs srcDir's marker files, most specific first:
// a CMake or Meson descriptor wins over a configure script, which wins
// over a bare Makefile (Autotools trees usually ship one of those too).
func DetectBuildSystem(srcDir string) BuildSystem {
	markers := []struct {
		file   string
		system BuildSystem
	}{
		{"CMakeLists.txt", BuildSystemCMake},
		{"meson.build", BuildSystemMeson},
		{"configure", BuildSystemAutotools},
		{"configure.ac", BuildSystemAutotools},
		{"autogen.sh", BuildSystemAutotools},
		{"Makefile", BuildSystemMake},
		{"makefile", BuildSystemMake},
		{"GNUmakefile", BuildSystemMake},
	}
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(srcDir, m.file)); err == nil {
			return m.system
		}
	}
	return BuildSystemUnknown
}

// SourceStoreKey is the synthetic store key used for a source-built
// package, which has no content hash to file the staging tree under.
func SourceStoreKey(name, version string) string {
	return fmt.Sprintf("source:%s@%s", name, version)
}

// ErrSourceBuildUnsupported is returned for --build-from-source requests:
// this build installs prebuilt bottles only.
var ErrSourceBuildUnsupported = errors.New("building from source is not supported; install a bottled version instead")

// buildFromSource validates that a source build would at least be
// plannable (the formula exists and carries a stable source URL) before
// reporting that source builds are unsupported.
func (i *Installer) buildFromSource(ctx context.Context, name string) error {
	f, err := i.planner.resolver.FetchFormula(ctx, name)
	if err != nil {
		return err
	}
	if f.URLs.Stable == nil || f.URLs.Stable.URL == "" {
		return fmt.Errorf("formula %q has no stable source URL: %w", name, ErrSourceBuildUnsupported)
	}
	return fmt.Errorf("formula %q: %w", name, ErrSourceBuildUnsupported)
}
