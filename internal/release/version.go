package release

import (
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Version is a parsed semantic version. Build metadata is ignored for
// ordering; pre-release tags sort before the release they precede.
type Version struct {
	v *goversion.Version
}

// ParseVersion accepts "1.2.3", "v1.2.3", "1.2.3-beta.1" and "1.2.3+build".
// Anything that is not a three-component semantic version is ErrParse.
func ParseVersion(raw string) (Version, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Version{}, fmt.Errorf("%w: empty version", ErrParse)
	}
	v, err := goversion.NewSemver(trimmed)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %q: %v", ErrParse, trimmed, err)
	}
	core := strings.TrimPrefix(trimmed, "v")
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	if strings.Count(core, ".") != 2 {
		return Version{}, fmt.Errorf("%w: %q is not major.minor.patch", ErrParse, trimmed)
	}
	return Version{v: v}, nil
}

// MustParseVersion panics on invalid input. Intended for constants and tests.
func MustParseVersion(raw string) Version {
	v, err := ParseVersion(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// IsZero reports whether v was never parsed.
func (v Version) IsZero() bool { return v.v == nil }

// Compare returns -1, 0 or 1. A zero Version sorts before every parsed one.
func (v Version) Compare(other Version) int {
	switch {
	case v.v == nil && other.v == nil:
		return 0
	case v.v == nil:
		return -1
	case other.v == nil:
		return 1
	}
	return v.v.Compare(other.v)
}

func (v Version) GreaterThan(other Version) bool { return v.Compare(other) > 0 }

func (v Version) Equal(other Version) bool { return v.Compare(other) == 0 }

// String renders the version without a leading "v" and without build metadata.
func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	s := v.v.Core().String()
	if pre := v.v.Prerelease(); pre != "" {
		s += "-" + pre
	}
	return s
}

// CompareStrings parses both sides and compares them. ok is false when either
// side is not a valid version, mirroring "unable to compare" in the engine.
func CompareStrings(a, b string) (cmp int, ok bool) {
	va, err := ParseVersion(a)
	if err != nil {
		return 0, false
	}
	vb, err := ParseVersion(b)
	if err != nil {
		return 0, false
	}
	return va.Compare(vb), true
}
