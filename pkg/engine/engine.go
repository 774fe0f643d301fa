// Package engine evaluates ordered rule sets against content items and
// produces filter decisions. Evaluation is pure: no side effects, identical
// inputs always yield the identical decision.
package engine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fnakasako/illunis/pkg/domain"
)

// Engine is a stateless rule evaluator. The only internal state is a compiled
// regex cache, which does not affect evaluation outcomes.
type Engine struct {
	regexCache sync.Map // pattern -> *regexp.Regexp
}

// New creates an engine
func New() *Engine {
	return &Engine{}
}

// Evaluate runs the rule set against an item. Rules come pre-ordered by
// priority descending with ties broken by id ascending; the first matching
// enabled rule wins. No match means default allow with rule id 0. A rule
// whose predicate fails is treated as non-matching and reported as a
// diagnostic, evaluation continues with the remaining rules.
func (e *Engine) Evaluate(item *domain.ContentItem, set *domain.RuleSet) (domain.FilterDecision, []domain.EvaluationDiagnostic) {
	decision := domain.FilterDecision{
		ItemID:         item.ID,
		Action:         domain.ActionAllow,
		RulesetVersion: set.Version,
		EvaluatedAt:    time.Now().UTC(),
	}

	var diags []domain.EvaluationDiagnostic
	for i := range set.Rules {
		rule := &set.Rules[i]
		if !rule.Enabled {
			continue
		}

		matched, err := e.match(&rule.Predicate, item)
		if err != nil {
			diags = append(diags, domain.EvaluationDiagnostic{
				RuleID: rule.ID,
				ItemID: item.ID,
				Reason: err.Error(),
			})
			continue
		}
		if !matched {
			continue
		}

		decision.RuleID = rule.ID
		decision.Action = rule.Action
		if rule.Action == domain.ActionDeprioritize {
			decision.Weight = rule.Weight
		}
		return decision, diags
	}

	return decision, diags
}

// match evaluates a predicate tree against an item
func (e *Engine) match(p *domain.Predicate, item *domain.ContentItem) (bool, error) {
	switch {
	case len(p.All) > 0:
		for i := range p.All {
			ok, err := e.match(&p.All[i], item)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case len(p.Any) > 0:
		for i := range p.Any {
			ok, err := e.match(&p.Any[i], item)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return e.matchLeaf(p, item)
}

// matchLeaf evaluates a single field/op/value condition. Fields outside the
// grammar are an error, not a silent non-match; validation keeps them out of
// stored rules, so hitting one here is a diagnostic worth surfacing.
func (e *Engine) matchLeaf(p *domain.Predicate, item *domain.ContentItem) (bool, error) {
	if !domain.KnownField(p.Field) {
		return false, fmt.Errorf("unknown field %q", p.Field)
	}
	value := item.Field(p.Field)

	switch p.Op {
	case domain.OpContains:
		return strings.Contains(strings.ToLower(value), strings.ToLower(p.Value)), nil
	case domain.OpEquals:
		return strings.EqualFold(value, p.Value), nil
	case domain.OpPrefix:
		return strings.HasPrefix(strings.ToLower(value), strings.ToLower(p.Value)), nil
	case domain.OpMatches:
		re, err := e.compile(p.Value)
		if err != nil {
			return false, fmt.Errorf("bad regex %q: %w", p.Value, err)
		}
		return re.MatchString(value), nil
	default:
		return false, fmt.Errorf("unknown operator %q", p.Op)
	}
}

// compile returns a cached compiled regex for the pattern
func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	if v, ok := e.regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	actual, _ := e.regexCache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}
