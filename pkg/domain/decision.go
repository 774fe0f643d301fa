package domain

import (
	"fmt"
	"time"
)

// FilterDecision is the engine's output for a content item under a given
// rule-set version. Exactly one current decision exists per (item, version);
// rule-set changes recompute decisions rather than patching them.
type FilterDecision struct {
	ItemID         string
	RuleID         int64 // 0 means no rule matched, default allow
	Action         Action
	Weight         float64
	RulesetVersion int64
	EvaluatedAt    time.Time
}

// Visible reports whether the decided item may be surfaced to the user.
func (d *FilterDecision) Visible() bool {
	return d.Action != ActionBlock
}

// EvaluationDiagnostic reports a single rule that failed during evaluation.
// Non-fatal: the rule is treated as non-matching and evaluation continues.
type EvaluationDiagnostic struct {
	RuleID int64
	ItemID string
	Reason string
}

func (d EvaluationDiagnostic) String() string {
	return fmt.Sprintf("rule %d on item %s: %s", d.RuleID, d.ItemID, d.Reason)
}
