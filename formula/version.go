package formula

import (
	"strconv"
	"strings"
)

// Version is a parsed Homebrew-style version string: a dotted run of
// numeric/alpha components, an optional "-prerelease" suffix, and an
// optional "_N" rebuild suffix. HEAD and HEAD-<rev> are handled specially.
type Version struct {
	components []versionComponent
	prerelease []versionComponent
	rebuild    uint32
	original   string
}

type versionComponent struct {
	numeric bool
	n       uint64
	s       string
}

// ParseVersion parses s into a Version. It never fails: anything it cannot
// make sense of becomes a single alpha component, so Version is always
// constructible from whatever a formula descriptor contains.
func ParseVersion(s string) Version {
	s = strings.TrimSpace(s)
	original := s

	if strings.HasPrefix(s, "HEAD") {
		return Version{
			components: []versionComponent{{s: "head"}},
			original:   original,
		}
	}

	versionPart := s
	var rebuild uint32
	if idx := strings.LastIndexByte(s, '_'); idx >= 0 {
		if r, err := strconv.ParseUint(s[idx+1:], 10, 32); err == nil {
			versionPart = s[:idx]
			rebuild = uint32(r)
		}
	}

	mainPart := versionPart
	var prerelease []versionComponent
	if idx := strings.IndexByte(versionPart, '-'); idx >= 0 {
		mainPart = versionPart[:idx]
		prerelease = parseVersionComponents(versionPart[idx+1:])
	}

	return Version{
		components: parseVersionComponents(mainPart),
		prerelease: prerelease,
		rebuild:    rebuild,
		original:   original,
	}
}

// String returns the original version string.
func (v Version) String() string { return v.original }

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other: numeric components before alpha, numerically within a kind,
// prerelease versions less than their release, rebuild suffix as tiebreak.
func (v Version) Compare(other Version) int {
	if c := compareComponents(v.components, other.components); c != 0 {
		return c
	}

	switch {
	case len(v.prerelease) == 0 && len(other.prerelease) > 0:
		return 1
	case len(v.prerelease) > 0 && len(other.prerelease) == 0:
		return -1
	case len(v.prerelease) > 0 && len(other.prerelease) > 0:
		if c := compareComponents(v.prerelease, other.prerelease); c != 0 {
			return c
		}
	}

	switch {
	case v.rebuild < other.rebuild:
		return -1
	case v.rebuild > other.rebuild:
		return 1
	default:
		return 0
	}
}

// Less reports whether v sorts strictly before other.
func (v Version) Less(other Version) bool { return v.Compare(other) < 0 }

func compareComponents(a, b []versionComponent) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		switch {
		case i >= len(a):
			return -1
		case i >= len(b):
			return 1
		default:
			if c := a[i].compare(b[i]); c != 0 {
				return c
			}
		}
	}
	return 0
}

func (c versionComponent) compare(o versionComponent) int {
	switch {
	case c.numeric && o.numeric:
		switch {
		case c.n < o.n:
			return -1
		case c.n > o.n:
			return 1
		default:
			return 0
		}
	case !c.numeric && !o.numeric:
		return strings.Compare(c.s, o.s)
	case c.numeric && !o.numeric:
		return -1 // numeric sorts before alpha
	default:
		return 1
	}
}

func parseVersionComponents(s string) []versionComponent {
	var out []versionComponent
	var cur strings.Builder
	inNumeric := false

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		out = append(out, parseVersionComponent(cur.String()))
		cur.Reset()
	}

	for _, r := range s {
		switch {
		case r == '.' || r == '-' || r == '+':
			flush()
			inNumeric = false
		case r >= '0' && r <= '9':
			if !inNumeric && cur.Len() > 0 {
				flush()
			}
			inNumeric = true
			cur.WriteRune(r)
		case isAlphaNumericRune(r):
			if inNumeric && cur.Len() > 0 {
				flush()
			}
			inNumeric = false
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

func isAlphaNumericRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func parseVersionComponent(s string) versionComponent {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return versionComponent{numeric: true, n: n}
	}
	return versionComponent{s: strings.ToLower(s)}
}
