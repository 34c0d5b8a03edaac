// Package ingest is the ResultIngest (C7) entry point: a worker reports a
// subtask's result, and this validates, persists, releases the worker,
// wakes the Scheduler, and runs the review/checkpoint follow-up chain —
// idempotent on retry so a worker's retried submission after a dropped
// acknowledgement never double-applies.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/markl-a/GarageSwarm-sub000/internal/allocator"
	"github.com/markl-a/GarageSwarm-sub000/internal/checkpoint"
	"github.com/markl-a/GarageSwarm-sub000/internal/coordinator"
	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
	"github.com/markl-a/GarageSwarm-sub000/internal/review"
	"github.com/markl-a/GarageSwarm-sub000/internal/scheduler"
	"github.com/markl-a/GarageSwarm-sub000/internal/store"
)

// Dispatcher is the subset of scheduler.Scheduler ingest depends on,
// narrowed to ease testing without a real NATS connection.
type Dispatcher interface {
	NotifySubtaskComplete(ctx context.Context, subtaskID uuid.UUID) error
}

var _ Dispatcher = (*scheduler.Scheduler)(nil)

// Result is what a worker reports back for a subtask.
type Result struct {
	SubtaskID uuid.UUID
	WorkerID  uuid.UUID
	Success   bool
	Output    map[string]interface{}
	Error     string
	Eval      *domain.Evaluation
}

// Ingest owns result submission.
type Ingest struct {
	store      *store.Store
	coord      *coordinator.Coordinator
	allocator  *allocator.Allocator
	dispatcher Dispatcher
	review     *review.Coordinator
	checkpoint *checkpoint.Engine
}

// New builds an Ingest.
func New(st *store.Store, coord *coordinator.Coordinator, alloc *allocator.Allocator, dispatcher Dispatcher, rev *review.Coordinator, cp *checkpoint.Engine) *Ingest {
	return &Ingest{store: st, coord: coord, allocator: alloc, dispatcher: dispatcher, review: rev, checkpoint: cp}
}

// Submit applies a worker's result. If the subtask is already terminal
// this is a no-op success, so a retried submission is safe.
func (in *Ingest) Submit(ctx context.Context, result Result) error {
	subtask, err := in.store.GetSubtask(result.SubtaskID)
	if err != nil {
		return fmt.Errorf("ingest: get subtask %s: %w", result.SubtaskID, err)
	}
	if subtask.Status.IsTerminal() {
		return nil
	}
	if subtask.AssignedWorker == nil || *subtask.AssignedWorker != result.WorkerID {
		return fmt.Errorf("ingest: subtask %s not assigned to worker %s: %w", result.SubtaskID, result.WorkerID, domain.ErrBadState)
	}

	now := time.Now()
	subtask.CompletedAt = &now
	subtask.Output = result.Output
	if result.Success {
		subtask.Status = domain.SubtaskCompleted
		subtask.Progress = 100
	} else {
		subtask.Status = domain.SubtaskFailed
		subtask.Error = result.Error
	}
	if err := in.store.UpdateSubtask(subtask); err != nil {
		return fmt.Errorf("ingest: persist result for %s: %w", result.SubtaskID, err)
	}

	if result.Eval != nil {
		result.Eval.ID = uuid.New()
		result.Eval.SubtaskID = result.SubtaskID
		result.Eval.EvaluatedAt = now
		if err := in.store.CreateEvaluation(result.Eval); err != nil {
			return fmt.Errorf("ingest: persist evaluation for %s: %w", result.SubtaskID, err)
		}
	}

	if err := in.allocator.Release(ctx, result.WorkerID, result.SubtaskID); err != nil {
		return fmt.Errorf("ingest: release worker %s: %w", result.WorkerID, err)
	}

	if err := in.coord.PublishSubtaskComplete(ctx, result.SubtaskID.String()); err != nil {
		return fmt.Errorf("ingest: publish subtask complete for %s: %w", result.SubtaskID, err)
	}

	reviewIssuesFound := false
	if result.Success && subtask.SubtaskType == domain.SubtaskCodeGeneration && in.review != nil {
		reviewSubtask, err := in.review.CreateReviewSubtask(subtask)
		if err != nil {
			return fmt.Errorf("ingest: spawn review for %s: %w", result.SubtaskID, err)
		}
		_ = reviewSubtask
	}
	if subtask.SubtaskType == domain.SubtaskCodeReview && result.Eval != nil && in.review != nil {
		fix, err := in.review.ProcessReviewResult(subtask, result.Eval.OverallScore)
		switch {
		case errors.Is(err, domain.ErrCorrectionLimitReached):
			// Fix cycles exhausted: escalate to a human checkpoint instead
			// of spawning another fix subtask.
			reviewIssuesFound = true
		case err != nil:
			return fmt.Errorf("ingest: process review result for %s: %w", result.SubtaskID, err)
		default:
			reviewIssuesFound = fix != nil
		}
	}

	task, err := in.store.GetTask(subtask.TaskID)
	if err != nil {
		return fmt.Errorf("ingest: get owning task %s: %w", subtask.TaskID, err)
	}
	if in.checkpoint != nil {
		if _, err := in.checkpoint.CheckAndTrigger(task, subtask, reviewIssuesFound); err != nil && !errors.Is(err, domain.ErrCheckpointPending) {
			return fmt.Errorf("ingest: checkpoint evaluation for %s: %w", subtask.TaskID, err)
		}
	}

	return in.dispatcher.NotifySubtaskComplete(ctx, result.SubtaskID)
}
