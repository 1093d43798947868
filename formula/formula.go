package formula

import (
	"encoding/json"
	"fmt"
)

// Formula is a catalog/tap metadata record: enough to plan and execute an
// install without ever evaluating the upstream Ruby formula DSL.
type Formula struct {
	Name              string         `json:"name"`
	Versions          Versions       `json:"versions"`
	Desc              string         `json:"desc,omitempty"`
	Homepage          string         `json:"homepage,omitempty"`
	License           string         `json:"license,omitempty"`
	Dependencies      []string       `json:"dependencies"`
	BuildDependencies []string       `json:"build_dependencies,omitempty"`
	UsesFromMacOS     usesFromMacOS  `json:"uses_from_macos,omitempty"`
	Caveats           string         `json:"caveats,omitempty"`
	KegOnly           bool           `json:"keg_only,omitempty"`
	KegOnlyReason     *KegOnlyReason `json:"keg_only_reason,omitempty"`
	Bottle            Bottle         `json:"bottle"`
	URLs              SourceURLs     `json:"urls,omitempty"`
}

// Versions holds a formula's stable version string.
type Versions struct {
	Stable string `json:"stable"`
}

// Bottle holds the stable bottle descriptor.
type Bottle struct {
	Stable BottleStable `json:"stable"`
}

// BottleStable lists per-platform prebuilt artifacts for the stable version.
type BottleStable struct {
	Files   map[string]BottleFile `json:"files"`
	Rebuild uint32                `json:"rebuild,omitempty"`
}

// BottleFile is one platform's downloadable bottle artifact.
type BottleFile struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
}

// SourceURLs carries the source-build fallback URLs.
type SourceURLs struct {
	Stable *StableSource `json:"stable,omitempty"`
	Head   *HeadSource   `json:"head,omitempty"`
}

// StableSource describes the source tarball used for building from source.
type StableSource struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Revision string `json:"revision,omitempty"`
	Using    string `json:"using,omitempty"`
}

// HeadSource describes the git checkout used for a HEAD build.
type HeadSource struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
	Using  string `json:"using,omitempty"`
}

// KegOnlyReason explains why a formula does not project symlinks by default.
type KegOnlyReason struct {
	Reason      string `json:"reason"`
	Explanation string `json:"explanation"`
}

// Parse decodes a formula descriptor (the JSON shape served by the
// catalog API and cached verbatim under a tap's Formula directory). A
// malformed descriptor is reported as StoreCorruption since it indicates
// a corrupted cache entry or catalog response, not a usage error.
func Parse(name string, data []byte) (*Formula, error) {
	var f Formula
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &StoreCorruption{Message: fmt.Sprintf("malformed formula descriptor for %q: %v", name, err)}
	}
	return &f, nil
}

// EffectiveVersion is versions.stable when rebuild == 0, else
// "{stable}_{rebuild}" — Homebrew bottles with a rebuild number use that
// suffix in their internal Cellar paths.
func (f *Formula) EffectiveVersion() string {
	if f.Bottle.Stable.Rebuild > 0 {
		return fmt.Sprintf("%s_%d", f.Versions.Stable, f.Bottle.Stable.Rebuild)
	}
	return f.Versions.Stable
}

// EffectiveDependencies returns Dependencies plus, on Linux, any
// uses_from_macos runtime dependency not already listed — macOS provides
// those as system libraries, Linux does not.
func (f *Formula) EffectiveDependencies(isLinux bool) []string {
	deps := append([]string(nil), f.Dependencies...)
	if !isLinux {
		return deps
	}
	seen := make(map[string]bool, len(deps))
	for _, d := range deps {
		seen[d] = true
	}
	for _, d := range f.UsesFromMacOS {
		if !seen[d] {
			deps = append(deps, d)
			seen[d] = true
		}
	}
	return deps
}

// usesFromMacOS deserializes a list that mixes plain strings (runtime
// dependencies) with single-key objects like {"flex": "build"} (build- or
// test-phase only, dropped since we install prebuilt bottles).
type usesFromMacOS []string

func (u *usesFromMacOS) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		// Not a string: must be a single-key {"pkg": "build"|"test"} object.
		// Its presence means build/test-phase only — drop it.
		var obj map[string]string
		if err := json.Unmarshal(item, &obj); err != nil {
			return fmt.Errorf("uses_from_macos entry %q: neither string nor object", string(item))
		}
	}
	*u = out
	return nil
}
