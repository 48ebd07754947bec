package semver

import (
	"fmt"
	"strings"
)

type operator int

const (
	opAny operator = iota
	opEQ
	opGT
	opGTE
	opLT
	opLTE
	opCaret
	opTilde
)

type comparator struct {
	op operator
	v  Version
}

func (c comparator) matches(v Version) bool {
	switch c.op {
	case opAny:
		return true
	case opEQ:
		return Compare(v, c.v) == 0
	case opGT:
		return Compare(v, c.v) > 0
	case opGTE:
		return Compare(v, c.v) >= 0
	case opLT:
		return Compare(v, c.v) < 0
	case opLTE:
		return Compare(v, c.v) <= 0
	case opCaret:
		return v.Major == c.v.Major
	case opTilde:
		return v.Major == c.v.Major && v.Minor == c.v.Minor
	}
	return false
}

// Range is a parsed version range. All comparators must match.
type Range struct {
	raw         string
	comparators []comparator
}

// String returns the range as written.
func (r Range) String() string {
	return r.raw
}

// Contains reports whether v lies in the range.
func (r Range) Contains(v Version) bool {
	for _, c := range r.comparators {
		if !c.matches(v) {
			return false
		}
	}
	return true
}

// ParseRange parses a range expression. Whitespace-separated comparators form
// a conjunction, so ">=1.2.0 <2.0.0" is a bounded range.
func ParseRange(s string) (Range, error) {
	r := Range{raw: s}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		r.comparators = []comparator{{op: opAny}}
		return r, nil
	}
	for _, f := range fields {
		c, err := parseComparator(f)
		if err != nil {
			return Range{}, err
		}
		r.comparators = append(r.comparators, c)
	}
	return r, nil
}

func parseComparator(s string) (comparator, error) {
	if s == "*" || strings.EqualFold(s, "latest") || s == "x" {
		return comparator{op: opAny}, nil
	}
	prefixes := []struct {
		text string
		op   operator
	}{
		{">=", opGTE},
		{"<=", opLTE},
		{">", opGT},
		{"<", opLT},
		{"=", opEQ},
		{"^", opCaret},
		{"~", opTilde},
	}
	op, rest := opEQ, s
	for _, p := range prefixes {
		if strings.HasPrefix(s, p.text) {
			op, rest = p.op, strings.TrimPrefix(s, p.text)
			break
		}
	}
	v, err := Parse(rest)
	if err != nil {
		return comparator{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	return comparator{op: op, v: v}, nil
}

// Satisfies reports whether version lies in rng. Invalid versions or ranges
// never satisfy.
func Satisfies(version, rng string) bool {
	v, err := Parse(version)
	if err != nil {
		return false
	}
	r, err := ParseRange(rng)
	if err != nil {
		return false
	}
	return r.Contains(v)
}

// ValidRange reports whether rng parses.
func ValidRange(rng string) bool {
	_, err := ParseRange(rng)
	return err == nil
}
