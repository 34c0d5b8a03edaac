// Package review is the ReviewCoordinator (C10): spawns a code_review
// subtask after code generation, and a further code_fix subtask if the
// review score falls below threshold, adapted from review_service.py's
// REVIEW_SCORE_THRESHOLD/MAX_FIX_CYCLES gate.
package review

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
	"github.com/markl-a/GarageSwarm-sub000/internal/store"
)

// Config mirrors review_service.py's module constants.
type Config struct {
	ScoreThreshold float64
	MaxFixCycles   int
}

// Coordinator manages the code_generation -> code_review -> code_fix chain.
type Coordinator struct {
	store *store.Store
	cfg   Config
}

// New builds a review Coordinator.
func New(st *store.Store, cfg Config) *Coordinator {
	return &Coordinator{store: st, cfg: cfg}
}

// CreateReviewSubtask spawns a code_review subtask depending on a
// completed code_generation subtask. It refuses to run twice for the same
// parent (dedup on existing depending review subtasks) and refuses a
// parent that has not completed yet.
func (c *Coordinator) CreateReviewSubtask(parent *domain.Subtask) (*domain.Subtask, error) {
	if parent.Status != domain.SubtaskCompleted {
		return nil, fmt.Errorf("review: parent %s: %w", parent.ID, domain.ErrBadState)
	}

	siblings, err := c.store.ListSubtasksByTask(parent.TaskID)
	if err != nil {
		return nil, fmt.Errorf("review: list siblings for %s: %w", parent.ID, err)
	}
	for _, s := range siblings {
		if s.SubtaskType != domain.SubtaskCodeReview {
			continue
		}
		for _, dep := range s.Dependencies {
			if dep == parent.ID {
				return s, nil
			}
		}
	}

	review := &domain.Subtask{
		ID:              uuid.New(),
		TaskID:          parent.TaskID,
		Name:            parent.Name + "_review",
		Description:     "Review output of: " + parent.Description,
		Status:          domain.SubtaskPending,
		SubtaskType:     domain.SubtaskCodeReview,
		RecommendedTool: "gemini",
		Complexity:      1,
		Priority:        parent.Priority,
		Dependencies:    []uuid.UUID{parent.ID},
		CreatedAt:       time.Now(),
	}
	if err := c.store.CreateSubtasks([]*domain.Subtask{review}); err != nil {
		return nil, fmt.Errorf("review: create review subtask for %s: %w", parent.ID, err)
	}
	return review, nil
}

// ProcessReviewResult applies a completed review's score against the
// threshold. A passing score returns (nil, nil): no further action. A
// failing score spawns a code_fix subtask depending on the review, unless
// the parent has already hit max_fix_cycles, in which case it escalates
// via ErrCorrectionLimitReached for the caller to raise a checkpoint.
func (c *Coordinator) ProcessReviewResult(reviewSubtask *domain.Subtask, score float64) (*domain.Subtask, error) {
	if score >= c.cfg.ScoreThreshold {
		return nil, nil
	}

	parentID := uuid.Nil
	if len(reviewSubtask.Dependencies) > 0 {
		parentID = reviewSubtask.Dependencies[0]
	}
	parent, err := c.store.GetSubtask(parentID)
	if err != nil {
		return nil, fmt.Errorf("review: resolve parent of %s: %w", reviewSubtask.ID, err)
	}

	if parent.ReviewCycle >= c.cfg.MaxFixCycles {
		return nil, fmt.Errorf("review: subtask %s: %w", parent.ID, domain.ErrCorrectionLimitReached)
	}

	fix := &domain.Subtask{
		ID:              uuid.New(),
		TaskID:          reviewSubtask.TaskID,
		Name:            parent.Name + "_fix",
		Description:     "Address review findings for: " + parent.Description,
		Status:          domain.SubtaskPending,
		SubtaskType:     domain.SubtaskCodeFix,
		RecommendedTool: parent.RecommendedTool,
		Complexity:      parent.Complexity,
		Priority:        parent.Priority,
		Dependencies:    []uuid.UUID{reviewSubtask.ID},
		ReviewCycle:     parent.ReviewCycle + 1,
		CreatedAt:       time.Now(),
	}
	if err := c.store.CreateSubtasks([]*domain.Subtask{fix}); err != nil {
		return nil, fmt.Errorf("review: create fix subtask for %s: %w", reviewSubtask.ID, err)
	}

	parent.ReviewCycle++
	if err := c.store.UpdateSubtask(parent); err != nil {
		return nil, fmt.Errorf("review: bump review_cycle on %s: %w", parent.ID, err)
	}
	return fix, nil
}
