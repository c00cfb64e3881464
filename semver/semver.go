// Package semver provides version/range parsing, comparison, and
// satisfaction. It is a thin, npm-flavored wrapper over
// github.com/Masterminds/semver/v3.
package semver

import (
	"fmt"
	"sort"
	"strings"

	mmsemver "github.com/Masterminds/semver/v3"
)

// Version wraps a parsed SemVer 2 version.
type Version struct {
	v *mmsemver.Version
}

func (v Version) String() string { return v.v.String() }

// Original returns the version string as originally parsed, including any
// leading "v" or build metadata the caller supplied.
func (v Version) Original() string { return v.v.Original() }

// Prerelease reports whether the version carries a pre-release component.
func (v Version) Prerelease() bool { return v.v.Prerelease() != "" }

// ParseVersion parses an exact SemVer 2 version string. Build metadata
// (the "+..." suffix) is accepted and stripped.
func ParseVersion(s string) (Version, error) {
	s = stripBuildMetadata(s)
	v, err := mmsemver.StrictNewVersion(s)
	if err != nil {
		// Fall back to the lenient parser so that short forms like "1.2"
		// round-trip the way npm's own semver does, but still reject
		// anything range-shaped (a range is handled by ParseRange).
		v, err = mmsemver.NewVersion(s)
		if err != nil {
			return Version{}, fmt.Errorf("parse version %q: %w", s, err)
		}
	}
	return Version{v: v}, nil
}

func stripBuildMetadata(s string) string {
	if i := strings.IndexByte(s, '+'); i >= 0 {
		return s[:i]
	}
	return s
}

// Range wraps a parsed npm-style version range/constraint.
type Range struct {
	c   *mmsemver.Constraints
	raw string
}

func (r Range) String() string { return r.raw }

// ParseRange parses a caret/tilde/comparator/compound npm range.
func ParseRange(s string) (Range, error) {
	c, err := mmsemver.NewConstraint(s)
	if err != nil {
		return Range{}, fmt.Errorf("parse range %q: %w", s, err)
	}
	return Range{c: c, raw: s}, nil
}

// IsParseableRange reports whether s parses as a range, used by the
// specifier parser to distinguish a Range specifier from a Tag.
func IsParseableRange(s string) bool {
	_, err := ParseRange(s)
	return err == nil
}

// Satisfies reports whether v satisfies range, applying npm's pre-release
// exclusion rule: a pre-release version only matches a range that itself
// mentions a pre-release on the same [major, minor, patch] triple.
func Satisfies(v Version, r Range) bool {
	if v.Prerelease() && !rangeMentionsPrereleaseFor(r, v) {
		return false
	}
	return r.c.Check(v.v)
}

// rangeMentionsPrereleaseFor approximates npm-semver's "pre-release tag
// must appear on a comparator with the same [major,minor,patch]" rule by
// checking whether the range's text names a pre-release ("M.m.p-") on
// the version's own triple. Masterminds/semver/v3 already
// excludes pre-releases from ranges that don't mention one explicitly
// inside Constraints.Check, so this only needs to cover compound ranges
// built from "*"/empty strings where Masterminds is permissive.
func rangeMentionsPrereleaseFor(r Range, v Version) bool {
	triple := fmt.Sprintf("%d.%d.%d-", v.v.Major(), v.v.Minor(), v.v.Patch())
	return strings.Contains(r.raw, triple)
}

// Compare returns -1, 0, or 1 per SemVer 2 ordering (pre-release rules
// included), the same contract as Masterminds/semver/v3's Version.Compare.
func Compare(a, b Version) int { return a.v.Compare(b.v) }

// MaxSatisfying returns the highest version in versions that satisfies
// range, or ok=false if none do.
func MaxSatisfying(versions []Version, r Range) (best Version, ok bool) {
	for _, v := range versions {
		if !Satisfies(v, r) {
			continue
		}
		if !ok || Compare(v, best) > 0 {
			best, ok = v, true
		}
	}
	return best, ok
}

// MinSatisfying returns the lowest version in versions that satisfies
// range, or ok=false if none do.
func MinSatisfying(versions []Version, r Range) (best Version, ok bool) {
	for _, v := range versions {
		if !Satisfies(v, r) {
			continue
		}
		if !ok || Compare(v, best) < 0 {
			best, ok = v, true
		}
	}
	return best, ok
}

// Sort sorts versions ascending by SemVer 2 order.
func Sort(versions []Version) {
	sort.Slice(versions, func(i, j int) bool { return Compare(versions[i], versions[j]) < 0 })
}
