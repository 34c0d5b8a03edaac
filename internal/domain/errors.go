package domain

import "errors"

// Sentinel errors forming the error taxonomy of the control plane. Callers
// distinguish them with errors.Is; every package wraps these with %w when
// adding context rather than minting new error values for the same cause.
var (
	// ErrNotFound: unknown entity (validation).
	ErrNotFound = errors.New("entity not found")
	// ErrBadState: operation not valid for the entity's current status (validation).
	ErrBadState = errors.New("invalid entity state for operation")
	// ErrNoSuitableWorker: allocator found no worker with positive score (policy failure).
	ErrNoSuitableWorker = errors.New("no suitable worker available")
	// ErrAlreadyDecomposed: decomposer refuses to re-run on a task with subtasks.
	ErrAlreadyDecomposed = errors.New("task already has subtasks")
	// ErrUnknownTemplate: decomposer has no rule template for a task type.
	ErrUnknownTemplate = errors.New("no decomposition template for task type")
	// ErrCorrectionLimitReached: subtask has hit max_correction_cycles (escalation).
	ErrCorrectionLimitReached = errors.New("correction cycle limit reached")
	// ErrCheckpointPending: task has a pending_review checkpoint blocking allocation.
	ErrCheckpointPending = errors.New("task has a pending checkpoint")
	// ErrUnavailable: a downstream dependency (Redis) is failing fast behind an open circuit breaker.
	ErrUnavailable = errors.New("dependency unavailable")
)
