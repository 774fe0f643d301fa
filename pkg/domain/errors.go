package domain

import "errors"

// sentinel errors shared across the core, matched with errors.Is
var (
	// ErrNotFound reports a lookup miss for any entity kind.
	ErrNotFound = errors.New("not found")

	// ErrOrphanInteraction reports an interaction referencing an unknown
	// content item; rejected, never retried.
	ErrOrphanInteraction = errors.New("interaction references unknown content item")

	// ErrStoreConflict reports a write collision that survived the bounded
	// retry budget; callers retry with their own backoff.
	ErrStoreConflict = errors.New("store write conflict")

	// ErrStoreIO reports a durable-storage failure after internal retries
	// were exhausted; fatal for the operation, not the process.
	ErrStoreIO = errors.New("store i/o failure")

	// ErrReputationLeakage reports an outbound score that references more
	// than aggregate metric fields. A contract violation, unreachable in
	// correct code, asserted defensively on the publish path.
	ErrReputationLeakage = errors.New("reputation score would leak raw data")
)
