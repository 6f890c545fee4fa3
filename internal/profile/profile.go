// Package profile holds the ordered set of filtering profiles and the pure
// rule evaluation that picks the target profile for a metrics snapshot.
package profile

import (
	"errors"
	"fmt"
	"strings"
)

// Default profile names, least to most aggressive.
const (
	Baseline     = "baseline"
	Conservative = "conservative"
	Balanced     = "balanced"
	Aggressive   = "aggressive"
)

// ErrUnknownProfile is returned for a name outside the set.
var ErrUnknownProfile = errors.New("unknown profile")

// Set is an ordered, immutable list of profile names from least to most
// aggressive.
type Set struct {
	names []string
	index map[string]int
}

// NewSet builds a set. Names must be unique, non-empty, and at least two.
func NewSet(names ...string) (*Set, error) {
	if len(names) < 2 {
		return nil, fmt.Errorf("need at least two profiles, got %d", len(names))
	}
	s := &Set{names: make([]string, len(names)), index: make(map[string]int, len(names))}
	for i, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, fmt.Errorf("profile %d has an empty name", i)
		}
		if _, dup := s.index[n]; dup {
			return nil, fmt.Errorf("duplicate profile %q", n)
		}
		s.names[i] = n
		s.index[n] = i
	}
	return s, nil
}

// DefaultSet returns baseline, conservative, balanced, aggressive.
func DefaultSet() *Set {
	s, _ := NewSet(Baseline, Conservative, Balanced, Aggressive)
	return s
}

// Names returns a copy of the names in order.
func (s *Set) Names() []string {
	return append([]string(nil), s.names...)
}

// Known reports whether name is in the set.
func (s *Set) Known(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Index returns the position of name, or -1.
func (s *Set) Index(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// Least returns the least aggressive profile.
func (s *Set) Least() string { return s.names[0] }

// Most returns the most aggressive profile.
func (s *Set) Most() string { return s.names[len(s.names)-1] }
