package formula

import (
	"runtime"
	"strings"
)

// SelectedBottle is the bottle chosen for the running platform.
type SelectedBottle struct {
	Tag    string
	URL    string
	SHA256 string
}

// platformTagsFor lists preference-ordered bottle tags for an OS/arch,
// most-specific first. Empty on platforms we don't recognize, which
// falls through to the "all" tag and then UnsupportedBottle.
func platformTagsFor(goos, goarch string) []string {
	switch {
	case goos == "darwin" && goarch == "arm64":
		return []string{"arm64_tahoe", "arm64_sequoia", "arm64_sonoma", "arm64_ventura"}
	case goos == "darwin" && goarch == "amd64":
		return []string{"sonoma", "ventura", "monterey", "big_sur"}
	case goos == "linux" && goarch == "arm64":
		return []string{"arm64_linux"}
	case goos == "linux" && goarch == "amd64":
		return []string{"x86_64_linux"}
	default:
		return nil
	}
}

// isCompatibleFallbackTagFor reports whether tag is for the given
// platform's OS and architecture even though it wasn't in the preference
// list — used only as a last resort before failing with
// UnsupportedBottle. macOS tags encode the architecture by convention:
// an "arm64_" prefix means Apple silicon, a bare codename means Intel.
func isCompatibleFallbackTagFor(goos, goarch, tag string) bool {
	if strings.Contains(tag, "linux") {
		if goos != "linux" {
			return false
		}
		tags := platformTagsFor(goos, goarch)
		return len(tags) > 0 && tag == tags[0]
	}
	switch {
	case goos == "darwin" && goarch == "arm64":
		return strings.HasPrefix(tag, "arm64_")
	case goos == "darwin" && goarch == "amd64":
		return !strings.HasPrefix(tag, "arm64_")
	default:
		return false
	}
}

// SelectBottle walks the platform-preference list, then the universal
// "all" tag, then any architecture-compatible fallback, and returns
// UnsupportedBottle naming every platform the formula does offer if none
// of those match.
func SelectBottle(f *Formula) (SelectedBottle, error) {
	return selectBottleFor(f, runtime.GOOS, runtime.GOARCH)
}

func selectBottleFor(f *Formula, goos, goarch string) (SelectedBottle, error) {
	for _, tag := range platformTagsFor(goos, goarch) {
		if file, ok := f.Bottle.Stable.Files[tag]; ok {
			return SelectedBottle{Tag: tag, URL: file.URL, SHA256: file.SHA256}, nil
		}
	}

	if file, ok := f.Bottle.Stable.Files["all"]; ok {
		return SelectedBottle{Tag: "all", URL: file.URL, SHA256: file.SHA256}, nil
	}

	for tag, file := range f.Bottle.Stable.Files {
		if isCompatibleFallbackTagFor(goos, goarch, tag) {
			return SelectedBottle{Tag: tag, URL: file.URL, SHA256: file.SHA256}, nil
		}
	}

	available := make([]string, 0, len(f.Bottle.Stable.Files))
	for tag := range f.Bottle.Stable.Files {
		available = append(available, tag)
	}
	return SelectedBottle{}, &UnsupportedBottle{Name: f.Name, AvailablePlatforms: available}
}
