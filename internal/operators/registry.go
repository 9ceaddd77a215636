package operators

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/logger"
)

type compiledRule struct {
	rule domain.OperatorRule
	re   *regexp.Regexp
}

// Registry is an immutable, weight-ordered set of operator rules.
// Patterns are compiled once; a Registry is safe for concurrent use.
type Registry struct {
	rules   []compiledRule
	skipped []string
}

// NewRegistry compiles rules and orders them by weight, highest first.
// Rules with equal weight keep their declaration order. A rule whose pattern
// does not compile is skipped and logged.
func NewRegistry(ctx context.Context, rules []domain.OperatorRule) *Registry {
	log := logger.FromContext(ctx)

	reg := &Registry{rules: make([]compiledRule, 0, len(rules))}
	for i, rule := range rules {
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			log.Warn().
				Err(err).
				Int("index", i).
				Str("pattern", rule.Pattern).
				Str("canonical", rule.Canonical).
				Msg("Skipping operator rule with invalid pattern")
			reg.skipped = append(reg.skipped, rule.Pattern)
			continue
		}
		reg.rules = append(reg.rules, compiledRule{rule: rule, re: re})
	}

	sort.SliceStable(reg.rules, func(a, b int) bool {
		return reg.rules[a].rule.Weight > reg.rules[b].rule.Weight
	})

	return reg
}

// Match returns the first rule, in priority order, whose pattern is found in value.
func (r *Registry) Match(value string) (domain.OperatorRule, bool) {
	if r == nil {
		return domain.OperatorRule{}, false
	}
	for _, cr := range r.rules {
		if cr.re.MatchString(value) {
			return cr.rule, true
		}
	}
	return domain.OperatorRule{}, false
}

// Len is the number of usable rules.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

// Skipped lists patterns that failed to compile.
func (r *Registry) Skipped() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.skipped...)
}

// Rules returns the usable rules in priority order.
func (r *Registry) Rules() []domain.OperatorRule {
	if r == nil {
		return nil
	}
	out := make([]domain.OperatorRule, len(r.rules))
	for i, cr := range r.rules {
		out[i] = cr.rule
	}
	return out
}

func (r *Registry) String() string {
	return fmt.Sprintf("operators.Registry{rules: %d, skipped: %d}", r.Len(), len(r.Skipped()))
}
