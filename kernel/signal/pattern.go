package signal

import (
	"fmt"
	"strings"
)

// Separator separates the segments of a signal name.
const Separator = ":"

type (
	// Pattern is a compiled subscription filter for signal names. Patterns are
	// compiled once and reused; Match is a cheap string comparison with no
	// allocation.
	//
	// The pattern language has three forms:
	//
	//   - exact:      "task:complete" matches only that name
	//   - one-level:  "agent:*" matches "agent:start" but not "agent:tool:start"
	//   - multi-level: "agent:**" matches any name under "agent", any depth
	//
	// Wildcards are only valid as the final segment. The bare patterns "*" and
	// "**" match every name. Matching is case-sensitive on the raw name.
	Pattern struct {
		raw    string
		mode   matchMode
		prefix string // name prefix including trailing separator (wildcard modes)
	}

	// Filter is a disjunction of patterns: it matches a name when any of its
	// patterns do. The empty filter matches every name, mirroring a
	// subscription with no filter.
	Filter []Pattern

	matchMode int
)

const (
	matchExact matchMode = iota
	matchOneLevel
	matchAnyLevel
	matchAll
)

// Compile parses a subscription pattern. It returns an error when the pattern
// is empty, contains an empty segment, or places a wildcard anywhere but the
// final segment.
func Compile(pattern string) (Pattern, error) {
	if pattern == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}
	segs := strings.Split(pattern, Separator)
	for i, seg := range segs {
		switch seg {
		case "":
			return Pattern{}, fmt.Errorf("pattern %q: empty segment", pattern)
		case "*", "**":
			if i != len(segs)-1 {
				return Pattern{}, fmt.Errorf("pattern %q: wildcard must be the final segment", pattern)
			}
		}
	}
	last := segs[len(segs)-1]
	switch {
	case pattern == "*" || pattern == "**":
		return Pattern{raw: pattern, mode: matchAll}, nil
	case last == "*":
		return Pattern{
			raw:    pattern,
			mode:   matchOneLevel,
			prefix: strings.Join(segs[:len(segs)-1], Separator) + Separator,
		}, nil
	case last == "**":
		return Pattern{
			raw:    pattern,
			mode:   matchAnyLevel,
			prefix: strings.Join(segs[:len(segs)-1], Separator) + Separator,
		}, nil
	default:
		return Pattern{raw: pattern, mode: matchExact}, nil
	}
}

// MustCompile is like Compile but panics on invalid patterns. Intended for
// package-level pattern variables and tests.
func MustCompile(pattern string) Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source pattern.
func (p Pattern) String() string { return p.raw }

// Match reports whether the name matches the pattern.
func (p Pattern) Match(name string) bool {
	switch p.mode {
	case matchAll:
		return true
	case matchExact:
		return name == p.raw
	case matchOneLevel:
		rest, ok := strings.CutPrefix(name, p.prefix)
		return ok && rest != "" && !strings.Contains(rest, Separator)
	case matchAnyLevel:
		if name == p.prefix[:len(p.prefix)-len(Separator)] {
			// "agent:**" also matches the bare prefix "agent".
			return true
		}
		rest, ok := strings.CutPrefix(name, p.prefix)
		return ok && rest != ""
	default:
		return false
	}
}

// CompileFilter compiles a disjunction of patterns. With no arguments it
// returns the empty filter, which matches everything.
func CompileFilter(patterns ...string) (Filter, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	f := make(Filter, 0, len(patterns))
	for _, pat := range patterns {
		p, err := Compile(pat)
		if err != nil {
			return nil, err
		}
		f = append(f, p)
	}
	return f, nil
}

// MustCompileFilter is like CompileFilter but panics on invalid patterns.
func MustCompileFilter(patterns ...string) Filter {
	f, err := CompileFilter(patterns...)
	if err != nil {
		panic(err)
	}
	return f
}

// Match reports whether any pattern in the filter matches the name. The empty
// filter matches every name.
func (f Filter) Match(name string) bool {
	if len(f) == 0 {
		return true
	}
	for _, p := range f {
		if p.Match(name) {
			return true
		}
	}
	return false
}
