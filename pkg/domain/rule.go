package domain

import (
	"fmt"
	"regexp"
	"time"
)

// Action is what the engine does with a matched item.
type Action string

// closed set of rule actions
const (
	ActionAllow        Action = "allow"
	ActionBlock        Action = "block"
	ActionDeprioritize Action = "deprioritize"
)

// Op is a predicate leaf operator.
type Op string

// closed predicate grammar operators
const (
	OpContains Op = "contains"
	OpEquals   Op = "equals"
	OpPrefix   Op = "prefix"
	OpMatches  Op = "matches"
)

// predicate fields the grammar understands
var knownFields = map[string]bool{
	"text":   true,
	"title":  true,
	"author": true,
	"source": true,
	"tags":   true,
}

// KnownField reports whether the predicate grammar understands the field.
func KnownField(name string) bool {
	return knownFields[name]
}

// MaxPredicateDepth bounds predicate nesting; composition is a tree so cycles
// are impossible, depth keeps pathological rules out.
const MaxPredicateDepth = 8

// Predicate is a structured condition. Exactly one of the leaf triple
// (Field/Op/Value) or a composite (All/Any) must be set.
type Predicate struct {
	Field string      `json:"field,omitempty" yaml:"field,omitempty"`
	Op    Op          `json:"op,omitempty" yaml:"op,omitempty"`
	Value string      `json:"value,omitempty" yaml:"value,omitempty"`
	All   []Predicate `json:"all,omitempty" yaml:"all,omitempty"`
	Any   []Predicate `json:"any,omitempty" yaml:"any,omitempty"`
}

// Rule is a user-defined visibility rule. Updates never mutate a stored
// version; each write creates a new version row and the prior ones are
// retained for audit.
type Rule struct {
	ID        int64
	Name      string
	Predicate Predicate
	Action    Action
	Weight    float64 // deprioritize weight, 0 otherwise
	Priority  int
	Enabled   bool
	Version   int64
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RuleValidationError reports a malformed rule rejected at write time.
type RuleValidationError struct {
	Field  string
	Reason string
}

func (e *RuleValidationError) Error() string {
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Reason)
}

// Validate checks the rule against the closed grammar. Malformed rules are
// rejected here and never persisted.
func (r *Rule) Validate() error {
	switch r.Action {
	case ActionAllow, ActionBlock, ActionDeprioritize:
	default:
		return &RuleValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", r.Action)}
	}
	if r.Action == ActionDeprioritize && (r.Weight <= 0 || r.Weight > 1) {
		return &RuleValidationError{Field: "weight", Reason: "deprioritize weight must be in (0, 1]"}
	}
	if r.Name == "" {
		return &RuleValidationError{Field: "name", Reason: "name is required"}
	}
	return validatePredicate(&r.Predicate, 0)
}

func validatePredicate(p *Predicate, depth int) error {
	if depth > MaxPredicateDepth {
		return &RuleValidationError{Field: "predicate", Reason: "nesting too deep"}
	}

	composite := len(p.All) > 0 || len(p.Any) > 0
	leaf := p.Field != "" || p.Op != "" || p.Value != ""

	switch {
	case composite && leaf:
		return &RuleValidationError{Field: "predicate", Reason: "leaf and composite parts are mutually exclusive"}
	case len(p.All) > 0 && len(p.Any) > 0:
		return &RuleValidationError{Field: "predicate", Reason: "all and any are mutually exclusive"}
	case composite:
		for i := range p.All {
			if err := validatePredicate(&p.All[i], depth+1); err != nil {
				return err
			}
		}
		for i := range p.Any {
			if err := validatePredicate(&p.Any[i], depth+1); err != nil {
				return err
			}
		}
		return nil
	case !leaf:
		return &RuleValidationError{Field: "predicate", Reason: "empty predicate"}
	}

	if !KnownField(p.Field) {
		return &RuleValidationError{Field: "predicate.field", Reason: fmt.Sprintf("unknown field %q", p.Field)}
	}
	switch p.Op {
	case OpContains, OpEquals, OpPrefix:
	case OpMatches:
		if _, err := regexp.Compile(p.Value); err != nil {
			return &RuleValidationError{Field: "predicate.value", Reason: fmt.Sprintf("bad regex: %v", err)}
		}
	default:
		return &RuleValidationError{Field: "predicate.op", Reason: fmt.Sprintf("unknown operator %q", p.Op)}
	}
	return nil
}

// RuleSet is an immutable snapshot of the active rules at a given global
// version. Readers always see one consistent version; writers publish a new
// one atomically.
type RuleSet struct {
	Version int64
	Rules   []Rule // sorted by priority desc, id asc
}
