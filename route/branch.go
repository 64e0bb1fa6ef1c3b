package route

import (
	"fmt"

	"github.com/kbukum/etlkit/record"
)

// Match decides how a branch combines its conditions.
type Match string

const (
	MatchAll Match = "all"
	MatchAny Match = "any"
)

// Branch is a named outgoing path of a ROUTE step.
type Branch struct {
	Name  string      `yaml:"name" json:"name"`
	When  []Condition `yaml:"when,omitempty" json:"when,omitempty"`
	Match Match       `yaml:"match,omitempty" json:"match,omitempty"`
}

// Matches reports whether rec takes this branch.
func (b Branch) Matches(rec *record.Record) bool {
	if len(b.When) == 0 {
		return true
	}
	if b.Match == MatchAny {
		for _, c := range b.When {
			if c.Evaluate(rec) {
				return true
			}
		}
		return false
	}
	for _, c := range b.When {
		if !c.Evaluate(rec) {
			return false
		}
	}
	return true
}

// Validate checks the branch's conditions.
func (b Branch) Validate() error {
	if b.Match != "" && b.Match != MatchAll && b.Match != MatchAny {
		return fmt.Errorf("route: branch %q has unknown match mode %q", b.Name, b.Match)
	}
	for i, c := range b.When {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("branch %q condition %d: %w", b.Name, i, err)
		}
	}
	return nil
}

// Select returns the branch rec takes: the first matching branch in
// declaration order, else defaultBranch. ok is false when the record
// matches nothing and there is no default, meaning it is dropped.
func Select(rec *record.Record, branches []Branch, defaultBranch string) (name string, ok bool) {
	for _, b := range branches {
		if b.Matches(rec) {
			return b.Name, true
		}
	}
	if defaultBranch != "" {
		return defaultBranch, true
	}
	return "", false
}
