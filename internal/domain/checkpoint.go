package domain

import (
	"time"

	"github.com/google/uuid"
)

// Evaluation is the latest quality/safety score for a subtask, produced by
// the external Evaluator capability.
type Evaluation struct {
	ID           uuid.UUID              `json:"id"`
	SubtaskID    uuid.UUID              `json:"subtask_id"`
	CodeQuality  float64                `json:"code_quality"`
	Completeness float64                `json:"completeness"`
	Security     float64                `json:"security"`
	Architecture *float64               `json:"architecture,omitempty"`
	Testability  *float64               `json:"testability,omitempty"`
	OverallScore float64                `json:"overall_score"`
	Details      map[string]interface{} `json:"details,omitempty"`
	EvaluatedAt  time.Time              `json:"evaluated_at"`
}

// CheckpointStatus is the closed enum of Checkpoint states.
type CheckpointStatus string

const (
	CheckpointPendingReview CheckpointStatus = "pending_review"
	CheckpointApproved      CheckpointStatus = "approved"
	CheckpointCorrected     CheckpointStatus = "corrected"
	CheckpointRejected      CheckpointStatus = "rejected"
)

// TriggerReason is the sum type of conditions that create a Checkpoint.
type TriggerReason string

const (
	TriggerManual                  TriggerReason = "manual"
	TriggerReviewIssuesFound       TriggerReason = "review_issues_found"
	TriggerLowEvaluationScore      TriggerReason = "low_evaluation_score"
	TriggerCodeGenerationComplete  TriggerReason = "code_generation_complete"
	TriggerTimeout                 TriggerReason = "timeout"
	TriggerCycleLimit              TriggerReason = "cycle_limit"
)

// Checkpoint is a pause point with a snapshot of completed subtask ids and
// a pending (or resolved) human decision.
type Checkpoint struct {
	ID                uuid.UUID       `json:"id"`
	TaskID            uuid.UUID       `json:"task_id"`
	Status            CheckpointStatus `json:"status"`
	TriggerReason     TriggerReason   `json:"trigger_reason"`
	SubtasksCompleted []uuid.UUID     `json:"subtasks_completed"`
	UserDecision      string          `json:"user_decision,omitempty"`
	DecisionNotes     string          `json:"decision_notes,omitempty"`
	RequiresAttention bool            `json:"requires_attention"`
	TriggeredAt       time.Time       `json:"triggered_at"`
	ReviewedAt        *time.Time      `json:"reviewed_at,omitempty"`
}

// CorrectionResult is the closed enum of Correction outcomes.
type CorrectionResult string

const (
	CorrectionPending CorrectionResult = "pending"
	CorrectionSuccess CorrectionResult = "success"
	CorrectionFailed  CorrectionResult = "failed"
)

// Correction is a guided re-execution of an already-completed subtask,
// created when a human picks "correct" at a checkpoint.
type Correction struct {
	ID              uuid.UUID        `json:"id"`
	CheckpointID    uuid.UUID        `json:"checkpoint_id"`
	SubtaskID       uuid.UUID        `json:"subtask_id"`
	CorrectionType  string           `json:"correction_type"`
	Guidance        string           `json:"guidance"`
	ReferenceFiles  []string         `json:"reference_files,omitempty"`
	Result          CorrectionResult `json:"result"`
	RetryCount      int              `json:"retry_count"`
	ApplyToFuture   bool             `json:"apply_to_future"`
	CreatedAt       time.Time        `json:"created_at"`
}
