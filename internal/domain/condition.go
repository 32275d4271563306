package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Condition kinds.
const (
	CondKeyword = "keyword"
	CondRegex   = "regex"
	CondAll     = "all"
	CondAny     = "any"
)

// Condition is a small tagged-variant trigger for a context rule:
// keyword-contains, regex, or a boolean AND/OR composition. Keeping the
// variants closed keeps rule matching deterministic and unit-testable.
type Condition struct {
	Kind     string      `yaml:"kind" json:"kind"`
	Keywords []string    `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Pattern  string      `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Subs     []Condition `yaml:"subs,omitempty" json:"subs,omitempty"`

	compiled *regexp.Regexp
}

// Validate checks the condition tree and compiles regex patterns once.
func (c *Condition) Validate() error {
	switch c.Kind {
	case CondKeyword:
		if len(c.Keywords) == 0 {
			return fmt.Errorf("%w: keyword condition with no keywords", ErrValidation)
		}
	case CondRegex:
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return fmt.Errorf("%w: bad trigger pattern %q: %v", ErrValidation, c.Pattern, err)
		}
		c.compiled = re
	case CondAll, CondAny:
		if len(c.Subs) == 0 {
			return fmt.Errorf("%w: %s condition with no sub-conditions", ErrValidation, c.Kind)
		}
		for i := range c.Subs {
			if err := c.Subs[i].Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown condition kind %q", ErrValidation, c.Kind)
	}
	return nil
}

// Matches reports whether the description triggers the condition.
// Keyword matching is case-insensitive substring containment: every listed
// keyword must appear.
func (c *Condition) Matches(description string) bool {
	switch c.Kind {
	case CondKeyword:
		desc := strings.ToLower(description)
		for _, kw := range c.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" || !strings.Contains(desc, kw) {
				return false
			}
		}
		return len(c.Keywords) > 0
	case CondRegex:
		if c.compiled == nil {
			re, err := regexp.Compile(c.Pattern)
			if err != nil {
				return false
			}
			c.compiled = re
		}
		return c.compiled.MatchString(description)
	case CondAll:
		for i := range c.Subs {
			if !c.Subs[i].Matches(description) {
				return false
			}
		}
		return len(c.Subs) > 0
	case CondAny:
		for i := range c.Subs {
			if c.Subs[i].Matches(description) {
				return true
			}
		}
		return false
	}
	return false
}

// Key returns a canonical identity for the trigger, used to detect two
// rules firing on the same condition.
func (c *Condition) Key() string {
	switch c.Kind {
	case CondKeyword:
		kws := make([]string, 0, len(c.Keywords))
		for _, kw := range c.Keywords {
			kws = append(kws, strings.ToLower(strings.TrimSpace(kw)))
		}
		sort.Strings(kws)
		return "keyword:" + strings.Join(kws, ",")
	case CondRegex:
		return "regex:" + c.Pattern
	case CondAll, CondAny:
		parts := make([]string, 0, len(c.Subs))
		for i := range c.Subs {
			parts = append(parts, c.Subs[i].Key())
		}
		sort.Strings(parts)
		return c.Kind + ":(" + strings.Join(parts, "|") + ")"
	}
	return ""
}

