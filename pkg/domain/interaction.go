package domain

import "time"

// InteractionKind is the closed set of recorded attention events.
type InteractionKind string

const (
	InteractionExposure InteractionKind = "exposure"
	InteractionDwell    InteractionKind = "dwell"
	InteractionSkip     InteractionKind = "skip"
	InteractionExplicit InteractionKind = "explicit"
)

// Valid reports whether the kind is one of the known values.
func (k InteractionKind) Valid() bool {
	switch k {
	case InteractionExposure, InteractionDwell, InteractionSkip, InteractionExplicit:
		return true
	}
	return false
}

// Interaction is a single recorded engagement event against a content item.
// The log is append-only; rows are never mutated and only removed by
// user-initiated erasure or retention cleanup.
type Interaction struct {
	ID          string
	ItemID      string
	Kind        InteractionKind
	DurationMs  int64  // dwell duration, 0 for other kinds
	Signal      string // explicit signal name, empty for other kinds
	LateArrival bool   // timestamp arrived out of order for its item
	Timestamp   time.Time
	CreatedAt   time.Time
}
