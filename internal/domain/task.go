// Package domain holds the entity types shared by every control-plane
// component: Task, Subtask, Worker, WorkerAPIKey, Evaluation, Checkpoint,
// Correction.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the closed enum of Task lifecycle states.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskInitializing TaskStatus = "initializing"
	TaskInProgress   TaskStatus = "in_progress"
	TaskCheckpoint   TaskStatus = "checkpoint"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskCancelled    TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a sink state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// CheckpointFrequency controls how often CODE_GENERATION_COMPLETE fires.
type CheckpointFrequency string

const (
	FrequencyLow    CheckpointFrequency = "low"
	FrequencyMedium CheckpointFrequency = "medium"
	FrequencyHigh   CheckpointFrequency = "high"
)

// PrivacyLevel gates which workers may execute a task's subtasks.
type PrivacyLevel string

const (
	PrivacyNormal    PrivacyLevel = "normal"
	PrivacySensitive PrivacyLevel = "sensitive"
)

// Task is the top-level unit of work a user submits.
type Task struct {
	ID                 uuid.UUID              `json:"id"`
	Description        string                 `json:"description"`
	Status             TaskStatus             `json:"status"`
	Progress           int                    `json:"progress"`
	CheckpointFreq     CheckpointFrequency    `json:"checkpoint_frequency"`
	PrivacyLevel       PrivacyLevel           `json:"privacy_level"`
	ToolPreferences    []string               `json:"tool_preferences"`
	Metadata           map[string]string      `json:"metadata"`
	LastCheckpointedAt *int                   `json:"-"` // completed_count snapshot at last periodic checkpoint
	CreatedAt          time.Time              `json:"created_at"`
	StartedAt          *time.Time             `json:"started_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
}

// TaskType reads metadata["task_type"], falling back to the Decomposer's
// default template, "develop_feature", when it is unset or empty.
func (t *Task) TaskType() string {
	if t.Metadata == nil || t.Metadata["task_type"] == "" {
		return "develop_feature"
	}
	return t.Metadata["task_type"]
}
