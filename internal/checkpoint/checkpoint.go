// Package checkpoint is the CheckpointEngine (C8): decides when a task
// must pause for human review, and applies the accept/correct/reject
// decision plus rollback, adapted from checkpoint_service.py's trigger
// table and rollback_to_checkpoint.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/markl-a/GarageSwarm-sub000/internal/coordinator"
	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
	"github.com/markl-a/GarageSwarm-sub000/internal/store"
)

// Config mirrors the checkpoint_* configuration keys.
type Config struct {
	SubtaskInterval     int
	MaxCorrectionCycles int
	TimeoutHours        int
	EvaluationThreshold float64

	EnableErrorTrigger      bool
	EnableEvaluationTrigger bool
	EnablePeriodicTrigger   bool
	EnableTimeoutTrigger    bool
}

// Engine evaluates trigger conditions and applies checkpoint decisions.
type Engine struct {
	store *store.Store
	coord *coordinator.Coordinator
	cfg   Config
}

// New builds a checkpoint Engine.
func New(st *store.Store, coord *coordinator.Coordinator, cfg Config) *Engine {
	return &Engine{store: st, coord: coord, cfg: cfg}
}

// milestoneStep is the percentage-of-total grid a checkpoint_frequency
// checks for a crossing: medium checkpoints at 25/50/75/100%, low at
// 50/100%. High has no grid — it checkpoints after every completion.
func milestoneStep(freq domain.CheckpointFrequency) int {
	if freq == domain.FrequencyLow {
		return 50
	}
	return 25
}

// crossesMilestone reports whether completing one more subtask (bringing
// the completed count from completed-1 to completed, out of total) moves
// progress across a milestoneStep boundary, mirroring
// should_trigger_checkpoint's CODE_GENERATION_COMPLETE branch exactly:
// milestone = int(100*completed/total // step) * step, compared against
// the same quantity computed at completed-1.
func crossesMilestone(completed, total, step int) bool {
	if total == 0 || completed == 0 {
		return false
	}
	milestone := (100 * completed / total / step) * step
	previous := (100 * (completed - 1) / total / step) * step
	return milestone > previous
}

// CheckAndTrigger evaluates every automatic trigger in priority order
// (review issues, low evaluation score, timeout, periodic milestone) and
// creates a Checkpoint for the first one that fires. reviewIssuesFound
// comes from the ReviewCoordinator; it is false for tasks with no review
// chain configured.
func (e *Engine) CheckAndTrigger(task *domain.Task, completedSubtask *domain.Subtask, reviewIssuesFound bool) (*domain.Checkpoint, error) {
	pending, err := e.store.HasPendingCheckpoint(task.ID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: check pending for %s: %w", task.ID, err)
	}
	if pending {
		return nil, fmt.Errorf("checkpoint: task %s: %w", task.ID, domain.ErrCheckpointPending)
	}

	if e.cfg.EnableErrorTrigger && reviewIssuesFound {
		return e.trigger(task, domain.TriggerReviewIssuesFound, true)
	}

	if e.cfg.EnableEvaluationTrigger {
		eval, err := e.store.LatestEvaluationForSubtask(completedSubtask.ID)
		if err == nil && eval.OverallScore < e.cfg.EvaluationThreshold {
			return e.trigger(task, domain.TriggerLowEvaluationScore, true)
		}
	}

	if e.cfg.EnableTimeoutTrigger && task.StartedAt != nil {
		if time.Since(*task.StartedAt) > time.Duration(e.cfg.TimeoutHours)*time.Hour {
			return e.trigger(task, domain.TriggerTimeout, true)
		}
	}

	if e.cfg.EnablePeriodicTrigger {
		counts, err := e.store.CountSubtaskStatusesByTask(task.ID)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: count statuses for %s: %w", task.ID, err)
		}
		completed := counts[domain.SubtaskCompleted]
		total := 0
		for _, n := range counts {
			total += n
		}

		fires := false
		switch task.CheckpointFreq {
		case domain.FrequencyHigh:
			last := 0
			if task.LastCheckpointedAt != nil {
				last = *task.LastCheckpointedAt
			}
			fires = completed > last
		default:
			fires = crossesMilestone(completed, total, milestoneStep(task.CheckpointFreq))
		}

		if fires {
			cp, err := e.trigger(task, domain.TriggerCodeGenerationComplete, false)
			if err != nil {
				return nil, err
			}
			task.LastCheckpointedAt = &completed
			if err := e.store.UpdateTask(task); err != nil {
				return nil, fmt.Errorf("checkpoint: record milestone for %s: %w", task.ID, err)
			}
			return cp, nil
		}
	}

	return nil, nil
}

// ManualTrigger creates a manual checkpoint regardless of the automatic
// trigger table, for the explicit "pause this task" API operation.
func (e *Engine) ManualTrigger(task *domain.Task) (*domain.Checkpoint, error) {
	return e.trigger(task, domain.TriggerManual, true)
}

func (e *Engine) trigger(task *domain.Task, reason domain.TriggerReason, requiresAttention bool) (*domain.Checkpoint, error) {
	subtasks, err := e.store.ListSubtasksByTask(task.ID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list subtasks for %s: %w", task.ID, err)
	}
	var completedIDs []uuid.UUID
	for _, st := range subtasks {
		if st.Status == domain.SubtaskCompleted {
			completedIDs = append(completedIDs, st.ID)
		}
	}

	cp := &domain.Checkpoint{
		ID:                uuid.New(),
		TaskID:            task.ID,
		Status:            domain.CheckpointPendingReview,
		TriggerReason:     reason,
		SubtasksCompleted: completedIDs,
		RequiresAttention: requiresAttention,
		TriggeredAt:       time.Now(),
	}
	if err := e.store.CreateCheckpoint(cp); err != nil {
		return nil, fmt.Errorf("checkpoint: create for %s: %w", task.ID, err)
	}

	task.Status = domain.TaskCheckpoint
	if err := e.store.UpdateTask(task); err != nil {
		return nil, fmt.Errorf("checkpoint: mark %s pending checkpoint: %w", task.ID, err)
	}
	return cp, nil
}

// ProcessDecision applies a human decision to a pending checkpoint.
// "accept" resumes the task unchanged; "correct" spawns a guided
// re-execution Correction without cancelling anything already in flight
// (resolved Open Question: corrections are additive, not preemptive);
// "reject" cancels the task and every non-terminal subtask.
func (e *Engine) ProcessDecision(checkpointID uuid.UUID, decision, notes string, guidance string, targetSubtask uuid.UUID) error {
	cp, err := e.store.GetCheckpoint(checkpointID)
	if err != nil {
		return fmt.Errorf("checkpoint: decision on %s: %w", checkpointID, err)
	}
	if cp.Status != domain.CheckpointPendingReview {
		return fmt.Errorf("checkpoint: decision on %s: %w", checkpointID, domain.ErrBadState)
	}
	task, err := e.store.GetTask(cp.TaskID)
	if err != nil {
		return fmt.Errorf("checkpoint: owning task for %s: %w", checkpointID, err)
	}

	cp.UserDecision = decision
	cp.DecisionNotes = notes
	now := time.Now()
	cp.ReviewedAt = &now

	switch decision {
	case "accept":
		cp.Status = domain.CheckpointApproved
		task.Status = domain.TaskInProgress
	case "correct":
		corrections, err := e.store.ListCorrectionsBySubtask(targetSubtask)
		if err != nil {
			return fmt.Errorf("checkpoint: list corrections for %s: %w", targetSubtask, err)
		}
		if len(corrections) >= e.cfg.MaxCorrectionCycles {
			return fmt.Errorf("checkpoint: subtask %s: %w", targetSubtask, domain.ErrCorrectionLimitReached)
		}
		correction := &domain.Correction{
			ID:             uuid.New(),
			CheckpointID:   checkpointID,
			SubtaskID:      targetSubtask,
			CorrectionType: "guided_rerun",
			Guidance:       guidance,
			Result:         domain.CorrectionPending,
			RetryCount:     len(corrections),
			CreatedAt:      now,
		}
		if err := e.store.CreateCorrection(correction); err != nil {
			return fmt.Errorf("checkpoint: create correction for %s: %w", targetSubtask, err)
		}
		if sub, err := e.store.GetSubtask(targetSubtask); err == nil {
			sub.Status = domain.SubtaskCorrecting
			if err := e.store.UpdateSubtask(sub); err != nil {
				return fmt.Errorf("checkpoint: mark %s correcting: %w", targetSubtask, err)
			}
		}
		cp.Status = domain.CheckpointCorrected
		task.Status = domain.TaskInProgress
	case "reject":
		cp.Status = domain.CheckpointRejected
		task.Status = domain.TaskCancelled
		task.CompletedAt = &now
		if err := e.cancelNonTerminalSubtasks(task.ID); err != nil {
			return fmt.Errorf("checkpoint: cancel subtasks for %s: %w", task.ID, err)
		}
	default:
		return fmt.Errorf("checkpoint: unknown decision %q: %w", decision, domain.ErrBadState)
	}

	if err := e.store.UpdateCheckpoint(cp); err != nil {
		return fmt.Errorf("checkpoint: update %s: %w", checkpointID, err)
	}
	return e.store.UpdateTask(task)
}

// CancelTask applies a direct user cancel: the task and every one of its
// non-terminal subtasks move to cancelled, and anything still sitting in
// the pending queue is struck so it never gets popped and allocated after
// the fact. In-flight worker executions are left running; their eventual
// result lands on a terminal subtask and ResultIngest discards it.
func (e *Engine) CancelTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("checkpoint: cancel task %s: %w", taskID, err)
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("checkpoint: cancel task %s: %w", taskID, domain.ErrBadState)
	}

	if err := e.cancelNonTerminalSubtasks(taskID); err != nil {
		return fmt.Errorf("checkpoint: cancel subtasks for %s: %w", taskID, err)
	}

	now := time.Now()
	task.Status = domain.TaskCancelled
	task.CompletedAt = &now
	if err := e.store.UpdateTask(task); err != nil {
		return fmt.Errorf("checkpoint: mark %s cancelled: %w", taskID, err)
	}
	return e.coord.PublishTaskUpdate(ctx, task.ID.String())
}

// cancelNonTerminalSubtasks moves every pending/queued/in_progress subtask
// of a task to cancelled and strikes each of them from the pending queue.
func (e *Engine) cancelNonTerminalSubtasks(taskID uuid.UUID) error {
	subtasks, err := e.store.ListSubtasksByTask(taskID)
	if err != nil {
		return fmt.Errorf("list subtasks: %w", err)
	}
	for _, st := range subtasks {
		if st.Status.IsTerminal() {
			continue
		}
		if err := e.coord.RemovePending(context.Background(), st.ID); err != nil {
			return fmt.Errorf("strike subtask %s from pending queue: %w", st.ID, err)
		}
		st.Status = domain.SubtaskCancelled
		if err := e.store.UpdateSubtask(st); err != nil {
			return fmt.Errorf("cancel subtask %s: %w", st.ID, err)
		}
	}
	return nil
}

// RollbackToCheckpoint discards every subtask completion and checkpoint
// that happened after cp: completed subtasks that are not in
// cp.SubtasksCompleted go back to pending (their dependents naturally become un-ready again), and any
// later checkpoint rows are deleted. The periodic-checkpoint milestone
// counter is deliberately left untouched — checkpoint_service.py's
// rollback never resets it either (see DESIGN.md resolved Open Questions).
func (e *Engine) RollbackToCheckpoint(checkpointID uuid.UUID) error {
	cp, err := e.store.GetCheckpoint(checkpointID)
	if err != nil {
		return fmt.Errorf("checkpoint: rollback to %s: %w", checkpointID, err)
	}

	subtasks, err := e.store.ListSubtasksByTask(cp.TaskID)
	if err != nil {
		return fmt.Errorf("checkpoint: list subtasks for %s: %w", cp.TaskID, err)
	}
	keep := make(map[uuid.UUID]bool, len(cp.SubtasksCompleted))
	for _, id := range cp.SubtasksCompleted {
		keep[id] = true
	}
	for _, st := range subtasks {
		if st.Status == domain.SubtaskCompleted && !keep[st.ID] {
			st.Status = domain.SubtaskPending
			st.AssignedWorker = nil
			st.AssignedTool = ""
			st.Progress = 0
			st.Output = nil
			st.Error = ""
			st.StartedAt = nil
			st.CompletedAt = nil
			if err := e.store.UpdateSubtask(st); err != nil {
				return fmt.Errorf("checkpoint: reset subtask %s: %w", st.ID, err)
			}
		}
	}

	if err := e.store.DeleteCheckpointsTriggeredAfter(cp.TaskID, cp.TriggeredAt); err != nil {
		return fmt.Errorf("checkpoint: prune later checkpoints for %s: %w", cp.TaskID, err)
	}

	task, err := e.store.GetTask(cp.TaskID)
	if err != nil {
		return fmt.Errorf("checkpoint: owning task for %s: %w", cp.TaskID, err)
	}
	task.Status = domain.TaskInProgress
	return e.store.UpdateTask(task)
}
