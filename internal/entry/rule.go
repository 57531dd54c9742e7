// pattern: Functional Core

package entry

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Rule decides whether a root-relative, slash-separated path qualifies as
// an entry point.
type Rule interface {
	Match(rel string) bool
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(rel string) bool

// Match calls f(rel).
func (f RuleFunc) Match(rel string) bool {
	return f(rel)
}

// GlobRule matches paths against doublestar patterns such as "*.js" for
// top-level modules or "pages/**/*.js" for a routes directory.
type GlobRule struct {
	patterns []string
}

// NewGlobRule validates patterns and returns a rule matching any of them.
func NewGlobRule(patterns ...string) (*GlobRule, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one entry pattern is required")
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid entry pattern %q", p)
		}
	}
	return &GlobRule{patterns: append([]string(nil), patterns...)}, nil
}

// Match reports whether rel matches one of the patterns.
func (r *GlobRule) Match(rel string) bool {
	for _, p := range r.patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the configured patterns.
func (r *GlobRule) Patterns() []string {
	return append([]string(nil), r.patterns...)
}
