// Package pattern compiles the include/exclude pattern lists carried on
// trace contexts and broker subscriptions. A non-compilable pattern is
// treated as non-matching rather than as an error (spec §7).
package pattern

import "regexp"

// Set is a compiled list of regular expressions evaluated with MatchAny.
type Set struct {
	res []*regexp.Regexp
}

// Compile builds a Set from raw pattern strings, silently dropping any
// pattern that fails to compile.
func Compile(patterns []string) *Set {
	s := &Set{}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		s.res = append(s.res, re)
	}
	return s
}

// Empty reports whether the set has no usable patterns.
func (s *Set) Empty() bool {
	return s == nil || len(s.res) == 0
}

// MatchAny reports whether message matches at least one pattern in the set.
func (s *Set) MatchAny(message string) bool {
	if s.Empty() {
		return false
	}
	for _, re := range s.res {
		if re.MatchString(message) {
			return true
		}
	}
	return false
}
