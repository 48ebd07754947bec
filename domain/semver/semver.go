// Package semver implements the version syntax and range grammar used by
// manifests: numeric MAJOR.MINOR.PATCH comparison with caret, tilde,
// wildcard and comparison-operator ranges. Pre-release and build suffixes
// are accepted by the syntax check and ignored when comparing.
package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var pattern = regexp.MustCompile(`^v?(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?$`)

// Version is a parsed numeric version.
type Version struct {
	Major int
	Minor int
	Patch int
}

// String formats the version as MAJOR.MINOR.PATCH.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Valid reports whether s is a semantic version.
func Valid(s string) bool {
	return pattern.MatchString(strings.TrimSpace(s))
}

// Parse parses a semantic version, dropping any pre-release or build suffix.
func Parse(s string) (Version, error) {
	m := pattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, fmt.Errorf("invalid semantic version %q", s)
	}
	var v Version
	var err error
	if v.Major, err = strconv.Atoi(m[1]); err != nil {
		return Version{}, fmt.Errorf("invalid major in %q: %w", s, err)
	}
	if v.Minor, err = strconv.Atoi(m[2]); err != nil {
		return Version{}, fmt.Errorf("invalid minor in %q: %w", s, err)
	}
	if v.Patch, err = strconv.Atoi(m[3]); err != nil {
		return Version{}, fmt.Errorf("invalid patch in %q: %w", s, err)
	}
	return v, nil
}

// Compare returns -1, 0 or 1.
func Compare(a, b Version) int {
	switch {
	case a.Major != b.Major:
		return sign(a.Major - b.Major)
	case a.Minor != b.Minor:
		return sign(a.Minor - b.Minor)
	default:
		return sign(a.Patch - b.Patch)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// Latest returns the highest valid version of the list.
func Latest(versions []string) (string, bool) {
	best, found := "", false
	var bestV Version
	for _, s := range versions {
		v, err := Parse(s)
		if err != nil {
			continue
		}
		if !found || Compare(v, bestV) > 0 {
			best, bestV, found = s, v, true
		}
	}
	return best, found
}

// CompareStrings compares two version strings. Invalid versions sort before
// valid ones and compare equal to each other.
func CompareStrings(a, b string) int {
	va, errA := Parse(a)
	vb, errB := Parse(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return Compare(va, vb)
}
