// Package allocator is the Allocator (C5): picks the best worker for a
// ready subtask by weighted score, adapted from task_allocator.py's exact
// scoring formula.
package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/markl-a/GarageSwarm-sub000/internal/coordinator"
	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
	"github.com/markl-a/GarageSwarm-sub000/internal/store"
)

// Weights are the scoring coefficients from task_allocator.py:
// score = tool_score*ToolMatch + resource_score*Resources + privacy_score*Privacy.
type Weights struct {
	ToolMatch float64
	Resources float64
	Privacy   float64
}

// ResourceThresholds are the "high utilization" cutoffs carried from
// configuration. They are stored on the Allocator but resourceScore does
// not consult them: it scores raw usage percentages.
type ResourceThresholds struct {
	CPUHigh  float64
	MemHigh  float64
	DiskHigh float64
}

// Allocator assigns ready subtasks to workers and tracks release/requeue.
type Allocator struct {
	store              *store.Store
	coord              *coordinator.Coordinator
	weights            Weights
	thresholds         ResourceThresholds
	maxSubtasksPerWorker int
}

// New builds an Allocator. Weights that do not sum to 1 are normalized
// here, with a single warning logged.
func New(st *store.Store, coord *coordinator.Coordinator, weights Weights, thresholds ResourceThresholds, maxSubtasksPerWorker int) *Allocator {
	if sum := weights.ToolMatch + weights.Resources + weights.Privacy; sum > 0 && math.Abs(sum-1) > 1e-9 {
		slog.Warn("allocator: weights do not sum to 1, normalizing", "sum", sum)
		weights = Weights{ToolMatch: weights.ToolMatch / sum, Resources: weights.Resources / sum, Privacy: weights.Privacy / sum}
	}
	return &Allocator{store: st, coord: coord, weights: weights, thresholds: thresholds, maxSubtasksPerWorker: maxSubtasksPerWorker}
}

// candidate is a worker paired with the resolved score used to rank it.
type candidate struct {
	worker *domain.Worker
	score  float64
}

// Allocate picks the best online, available worker for subtask and
// assigns it, or returns ErrNoSuitableWorker if no worker scores above
// zero. ErrCheckpointPending is returned first if the owning task has an
// unresolved checkpoint.
func (a *Allocator) Allocate(ctx context.Context, task *domain.Task, subtask *domain.Subtask) (*domain.Worker, error) {
	pending, err := a.store.HasPendingCheckpoint(task.ID)
	if err != nil {
		return nil, fmt.Errorf("allocator: check checkpoint for task %s: %w", task.ID, err)
	}
	if pending {
		return nil, fmt.Errorf("allocator: task %s: %w", task.ID, domain.ErrCheckpointPending)
	}

	workers, err := a.store.ListWorkers()
	if err != nil {
		return nil, fmt.Errorf("allocator: list workers: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.ID)
	}
	currentTasks, err := a.coord.BatchGetWorkerCurrentTasks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("allocator: batch current tasks: %w", err)
	}

	var best *candidate
	for _, w := range workers {
		if !w.Status.Available() {
			continue
		}
		if _, busy := currentTasks[w.ID]; busy && a.maxSubtasksPerWorker <= 1 {
			continue
		}
		score := a.score(w, task, subtask)
		if score <= 0 {
			continue
		}
		if best == nil || score > best.score {
			best = &candidate{worker: w, score: score}
		}
	}

	if best == nil {
		return nil, fmt.Errorf("allocator: subtask %s: %w", subtask.ID, domain.ErrNoSuitableWorker)
	}

	subtask.AssignedWorker = &best.worker.ID
	if len(best.worker.Tools) > 0 {
		subtask.AssignedTool = best.worker.Tools[0]
	}
	subtask.Status = domain.SubtaskQueued
	now := time.Now()
	subtask.StartedAt = &now
	if err := a.store.UpdateSubtask(subtask); err != nil {
		return nil, fmt.Errorf("allocator: assign subtask %s: %w", subtask.ID, err)
	}
	if err := a.coord.SetWorkerCurrentTask(ctx, best.worker.ID, subtask.ID, 0); err != nil {
		return nil, fmt.Errorf("allocator: mirror assignment for %s: %w", subtask.ID, err)
	}
	if err := a.coord.MarkInProgress(ctx, subtask.ID); err != nil {
		return nil, fmt.Errorf("allocator: mark in-progress %s: %w", subtask.ID, err)
	}
	return best.worker, nil
}

// score computes tool_score*ToolMatch + resource_score*Resources + privacy_score*Privacy,
// mirroring task_allocator.py's _calculate_tool_score/_calculate_resource_score/
// _calculate_privacy_score exactly. A worker lacking the recommended tool is
// never filtered out up front: it is scored with the tool's partial-match
// value and can still win, notably when it is the only worker online.
func (a *Allocator) score(w *domain.Worker, task *domain.Task, subtask *domain.Subtask) float64 {
	return a.toolScore(w, subtask)*a.weights.ToolMatch +
		a.resourceScore(w)*a.weights.Resources +
		a.privacyScore(w, task)*a.weights.Privacy
}

// toolScore: 1.0 if no tool is recommended and the worker has any tools,
// 1.0 if the recommended tool is anywhere in the worker's tool list, 0.5 if
// the worker has other tools but not the recommended one, 0.0 if the worker
// has no tools at all.
func (a *Allocator) toolScore(w *domain.Worker, subtask *domain.Subtask) float64 {
	if subtask.RecommendedTool == "" {
		if len(w.Tools) > 0 {
			return 1.0
		}
		return 0.0
	}
	if len(w.Tools) == 0 {
		return 0.0
	}
	if w.HasTool(subtask.RecommendedTool) {
		return 1.0
	}
	return 0.5
}

// resourceScore averages (100-usage)/100 across CPU/memory/disk, weighted
// 0.4/0.4/0.2, with an unknown component scored 0.5 (moderate).
func (a *Allocator) resourceScore(w *domain.Worker) float64 {
	cpu := resourceComponent(w.ResourceUsage.CPUPercent)
	mem := resourceComponent(w.ResourceUsage.MemoryPercent)
	disk := resourceComponent(w.ResourceUsage.DiskPercent)
	return cpu*0.4 + mem*0.4 + disk*0.2
}

func resourceComponent(pct *float64) float64 {
	if pct == nil {
		return 0.5
	}
	avail := 100 - *pct
	if avail < 0 {
		avail = 0
	}
	return avail / 100
}

// privacyScore: normal tasks are worker-agnostic. Sensitive tasks prefer
// local (ollama) execution: 1.0 local-only, 0.8 local-with-cloud-option,
// 0.5 cloud-only (still allocatable, just discouraged), 0.0 no tools.
func (a *Allocator) privacyScore(w *domain.Worker, task *domain.Task) float64 {
	if task.PrivacyLevel != domain.PrivacySensitive {
		return 1.0
	}
	if len(w.Tools) == 0 {
		return 0.0
	}
	hasLocal := w.HasTool("ollama")
	hasCloud := w.HasTool("claude_code") || w.HasTool("gemini_cli")
	switch {
	case hasLocal && !hasCloud:
		return 1.0
	case hasLocal:
		return 0.8
	default:
		return 0.5
	}
}

// Release clears a worker's current-task assignment (subtask completed,
// failed, or was requeued) so it becomes available again.
func (a *Allocator) Release(ctx context.Context, workerID, subtaskID uuid.UUID) error {
	if err := a.coord.SetWorkerCurrentTask(ctx, workerID, uuid.Nil, 0); err != nil {
		return fmt.Errorf("allocator: release worker %s: %w", workerID, err)
	}
	return a.coord.ClearInProgress(ctx, subtaskID)
}

// ReallocateQueued re-attempts allocation for up to maxAttempts subtasks
// sitting in the pending queue, matching _reallocate_queued's bounded
// peek/pop loop rather than draining the whole queue on every cycle.
func (a *Allocator) ReallocateQueued(ctx context.Context, maxAttempts int64) (int, error) {
	ids, err := a.coord.PeekPending(ctx, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("allocator: peek pending: %w", err)
	}
	allocated := 0
	for _, subtaskID := range ids {
		subtask, err := a.store.GetSubtask(subtaskID)
		if err != nil {
			continue
		}
		task, err := a.store.GetTask(subtask.TaskID)
		if err != nil {
			continue
		}
		if _, err := a.Allocate(ctx, task, subtask); err == nil {
			if remErr := a.coord.RemovePending(ctx, subtaskID); remErr == nil {
				allocated++
			}
		}
	}
	return allocated, nil
}
