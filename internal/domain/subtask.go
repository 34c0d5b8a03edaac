package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubtaskStatus is the closed enum of Subtask lifecycle states.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskQueued     SubtaskStatus = "queued"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskFailed     SubtaskStatus = "failed"
	SubtaskCancelled  SubtaskStatus = "cancelled"
	SubtaskCorrecting SubtaskStatus = "correcting"
)

// IsTerminal reports whether no further transitions are expected without
// explicit intervention (correction, rollback).
func (s SubtaskStatus) IsTerminal() bool {
	switch s {
	case SubtaskCompleted, SubtaskFailed, SubtaskCancelled:
		return true
	default:
		return false
	}
}

// SubtaskType distinguishes code_generation from the review-chain types
// ReviewCoordinator spawns.
type SubtaskType string

const (
	SubtaskCodeGeneration SubtaskType = "code_generation"
	SubtaskCodeReview     SubtaskType = "code_review"
	SubtaskCodeFix        SubtaskType = "code_fix"
)

// Subtask is one DAG node belonging to a Task.
type Subtask struct {
	ID              uuid.UUID              `json:"id"`
	TaskID          uuid.UUID              `json:"task_id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description"`
	Status          SubtaskStatus          `json:"status"`
	Progress        int                    `json:"progress"`
	SubtaskType     SubtaskType            `json:"subtask_type"`
	RecommendedTool string                 `json:"recommended_tool,omitempty"`
	AssignedWorker  *uuid.UUID             `json:"assigned_worker,omitempty"`
	AssignedTool    string                 `json:"assigned_tool,omitempty"`
	Complexity      int                    `json:"complexity"`
	Priority        int                    `json:"priority"`
	Dependencies    []uuid.UUID            `json:"dependencies"`
	Output          map[string]interface{} `json:"output,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ReviewCycle     int                    `json:"review_cycle,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// Ready reports whether s can be allocated: pending, and every dependency
// (looked up in byID) is completed.
func (s *Subtask) Ready(byID map[uuid.UUID]*Subtask) bool {
	if s.Status != SubtaskPending {
		return false
	}
	for _, dep := range s.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != SubtaskCompleted {
			return false
		}
	}
	return true
}
