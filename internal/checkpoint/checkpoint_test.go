package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/markl-a/GarageSwarm-sub000/internal/coordinator"
	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
	"github.com/markl-a/GarageSwarm-sub000/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	coord := coordinator.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	cfg := Config{
		SubtaskInterval:         1,
		MaxCorrectionCycles:     2,
		TimeoutHours:            24,
		EvaluationThreshold:     7.0,
		EnableErrorTrigger:      true,
		EnableEvaluationTrigger: true,
		EnablePeriodicTrigger:   true,
		EnableTimeoutTrigger:    true,
	}
	return New(st, coord, cfg), st
}

func TestCheckAndTriggerLowEvaluationScore(t *testing.T) {
	e, st := newTestEngine(t)
	task := &domain.Task{ID: uuid.New(), Status: domain.TaskInProgress, CheckpointFreq: domain.FrequencyHigh, CreatedAt: time.Now()}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	subtask := &domain.Subtask{ID: uuid.New(), TaskID: task.ID, Status: domain.SubtaskCompleted, CreatedAt: time.Now()}
	if err := st.CreateSubtasks([]*domain.Subtask{subtask}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateEvaluation(&domain.Evaluation{ID: uuid.New(), SubtaskID: subtask.ID, OverallScore: 3.0, EvaluatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	cp, err := e.CheckAndTrigger(task, subtask, false)
	if err != nil {
		t.Fatalf("check and trigger: %v", err)
	}
	if cp == nil {
		t.Fatal("expected a checkpoint to be triggered on low evaluation score")
	}
	if cp.TriggerReason != domain.TriggerLowEvaluationScore {
		t.Fatalf("expected low_evaluation_score trigger, got %s", cp.TriggerReason)
	}

	gotTask, err := st.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotTask.Status != domain.TaskCheckpoint {
		t.Fatalf("expected task status checkpoint, got %s", gotTask.Status)
	}
}

// TestCheckAndTriggerPeriodicMediumCrossesQuarterBoundary matches
// checkpoint_service.py's medium-frequency branch: of 7 subtasks, going
// from 3 to 4 completed crosses the 25%-grid boundary from 25% to 50%.
func TestCheckAndTriggerPeriodicMediumCrossesQuarterBoundary(t *testing.T) {
	e, st := newTestEngine(t)
	task := &domain.Task{ID: uuid.New(), Status: domain.TaskInProgress, CheckpointFreq: domain.FrequencyMedium, CreatedAt: time.Now()}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	subtasks := make([]*domain.Subtask, 7)
	for i := range subtasks {
		status := domain.SubtaskPending
		if i < 4 {
			status = domain.SubtaskCompleted
		}
		subtasks[i] = &domain.Subtask{ID: uuid.New(), TaskID: task.ID, Status: status, CreatedAt: time.Now()}
	}
	if err := st.CreateSubtasks(subtasks); err != nil {
		t.Fatal(err)
	}

	cp, err := e.CheckAndTrigger(task, subtasks[3], false)
	if err != nil {
		t.Fatalf("check and trigger: %v", err)
	}
	if cp == nil {
		t.Fatal("expected 4/7 completed to cross the 25%->50% milestone for medium frequency")
	}
	if cp.TriggerReason != domain.TriggerCodeGenerationComplete {
		t.Fatalf("expected code_generation_complete trigger, got %s", cp.TriggerReason)
	}
}

// TestCheckAndTriggerPeriodicMediumStaysWithinBand checks that completing
// a subtask that does not cross a 25%-grid boundary does not checkpoint:
// 3/7 (42.9%) and 2/7 (28.6%) both floor to the 25% band.
func TestCheckAndTriggerPeriodicMediumStaysWithinBand(t *testing.T) {
	e, st := newTestEngine(t)
	task := &domain.Task{ID: uuid.New(), Status: domain.TaskInProgress, CheckpointFreq: domain.FrequencyMedium, CreatedAt: time.Now()}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	subtasks := make([]*domain.Subtask, 7)
	for i := range subtasks {
		status := domain.SubtaskPending
		if i < 3 {
			status = domain.SubtaskCompleted
		}
		subtasks[i] = &domain.Subtask{ID: uuid.New(), TaskID: task.ID, Status: status, CreatedAt: time.Now()}
	}
	if err := st.CreateSubtasks(subtasks); err != nil {
		t.Fatal(err)
	}

	cp, err := e.CheckAndTrigger(task, subtasks[2], false)
	if err != nil {
		t.Fatalf("check and trigger: %v", err)
	}
	if cp != nil {
		t.Fatalf("expected no checkpoint within the same 25%% band, got trigger %s", cp.TriggerReason)
	}
}

// TestCheckAndTriggerPeriodicLowOnlyFiresAtHalfAndFull matches
// checkpoint_service.py's low-frequency branch, which only grids at 50%
// and 100% rather than every 25%.
func TestCheckAndTriggerPeriodicLowOnlyFiresAtHalfAndFull(t *testing.T) {
	e, st := newTestEngine(t)
	task := &domain.Task{ID: uuid.New(), Status: domain.TaskInProgress, CheckpointFreq: domain.FrequencyLow, CreatedAt: time.Now()}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	subtasks := make([]*domain.Subtask, 4)
	for i := range subtasks {
		status := domain.SubtaskPending
		if i < 1 {
			status = domain.SubtaskCompleted
		}
		subtasks[i] = &domain.Subtask{ID: uuid.New(), TaskID: task.ID, Status: status, CreatedAt: time.Now()}
	}
	if err := st.CreateSubtasks(subtasks); err != nil {
		t.Fatal(err)
	}

	// 1/4 completed (25%) does not cross the 50% grid.
	cp, err := e.CheckAndTrigger(task, subtasks[0], false)
	if err != nil {
		t.Fatalf("check and trigger: %v", err)
	}
	if cp != nil {
		t.Fatalf("expected no checkpoint at 25%% for low frequency, got trigger %s", cp.TriggerReason)
	}

	subtasks[1].Status = domain.SubtaskCompleted
	if err := st.UpdateSubtask(subtasks[1]); err != nil {
		t.Fatal(err)
	}
	// 2/4 completed (50%) crosses the grid.
	cp, err = e.CheckAndTrigger(task, subtasks[1], false)
	if err != nil {
		t.Fatalf("check and trigger: %v", err)
	}
	if cp == nil {
		t.Fatal("expected a checkpoint at 50% for low frequency")
	}
}

func TestProcessDecisionAccept(t *testing.T) {
	e, st := newTestEngine(t)
	task := &domain.Task{ID: uuid.New(), Status: domain.TaskCheckpoint, CreatedAt: time.Now()}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	cp := &domain.Checkpoint{ID: uuid.New(), TaskID: task.ID, Status: domain.CheckpointPendingReview, TriggeredAt: time.Now()}
	if err := st.CreateCheckpoint(cp); err != nil {
		t.Fatal(err)
	}

	if err := e.ProcessDecision(cp.ID, "accept", "looks good", "", uuid.Nil); err != nil {
		t.Fatalf("process decision: %v", err)
	}

	gotTask, err := st.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotTask.Status != domain.TaskInProgress {
		t.Fatalf("expected task resumed in_progress, got %s", gotTask.Status)
	}
}

func TestProcessDecisionCorrectLimitReached(t *testing.T) {
	e, st := newTestEngine(t)
	task := &domain.Task{ID: uuid.New(), Status: domain.TaskCheckpoint, CreatedAt: time.Now()}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	subtask := &domain.Subtask{ID: uuid.New(), TaskID: task.ID, Status: domain.SubtaskCompleted, CreatedAt: time.Now()}
	if err := st.CreateSubtasks([]*domain.Subtask{subtask}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := st.CreateCorrection(&domain.Correction{ID: uuid.New(), SubtaskID: subtask.ID, CreatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	cp := &domain.Checkpoint{ID: uuid.New(), TaskID: task.ID, Status: domain.CheckpointPendingReview, TriggeredAt: time.Now()}
	if err := st.CreateCheckpoint(cp); err != nil {
		t.Fatal(err)
	}

	err := e.ProcessDecision(cp.ID, "correct", "", "try again", subtask.ID)
	if !errors.Is(err, domain.ErrCorrectionLimitReached) {
		t.Fatalf("expected ErrCorrectionLimitReached, got %v", err)
	}
}

func TestRollbackResetsSubtasksAfterCheckpoint(t *testing.T) {
	e, st := newTestEngine(t)
	task := &domain.Task{ID: uuid.New(), Status: domain.TaskInProgress, CreatedAt: time.Now()}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	kept := &domain.Subtask{ID: uuid.New(), TaskID: task.ID, Status: domain.SubtaskCompleted, CreatedAt: time.Now()}
	afterward := &domain.Subtask{ID: uuid.New(), TaskID: task.ID, Status: domain.SubtaskCompleted, CreatedAt: time.Now().Add(time.Second)}
	if err := st.CreateSubtasks([]*domain.Subtask{kept, afterward}); err != nil {
		t.Fatal(err)
	}
	cp := &domain.Checkpoint{
		ID:                uuid.New(),
		TaskID:            task.ID,
		Status:            domain.CheckpointApproved,
		SubtasksCompleted: []uuid.UUID{kept.ID},
		TriggeredAt:       time.Now(),
	}
	if err := st.CreateCheckpoint(cp); err != nil {
		t.Fatal(err)
	}

	if err := e.RollbackToCheckpoint(cp.ID); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	gotAfterward, err := st.GetSubtask(afterward.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotAfterward.Status != domain.SubtaskPending {
		t.Fatalf("expected afterward subtask reset to pending, got %s", gotAfterward.Status)
	}
	gotKept, err := st.GetSubtask(kept.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotKept.Status != domain.SubtaskCompleted {
		t.Fatalf("expected kept subtask to remain completed, got %s", gotKept.Status)
	}
}

func TestProcessDecisionRejectCancelsTaskAndSubtasks(t *testing.T) {
	e, st := newTestEngine(t)
	task := &domain.Task{ID: uuid.New(), Status: domain.TaskCheckpoint, CreatedAt: time.Now()}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	pending := &domain.Subtask{ID: uuid.New(), TaskID: task.ID, Status: domain.SubtaskPending, CreatedAt: time.Now()}
	done := &domain.Subtask{ID: uuid.New(), TaskID: task.ID, Status: domain.SubtaskCompleted, CreatedAt: time.Now()}
	if err := st.CreateSubtasks([]*domain.Subtask{pending, done}); err != nil {
		t.Fatal(err)
	}
	cp := &domain.Checkpoint{ID: uuid.New(), TaskID: task.ID, Status: domain.CheckpointPendingReview, TriggeredAt: time.Now()}
	if err := st.CreateCheckpoint(cp); err != nil {
		t.Fatal(err)
	}

	if err := e.ProcessDecision(cp.ID, "reject", "no good", "", uuid.Nil); err != nil {
		t.Fatalf("process decision: %v", err)
	}

	gotTask, err := st.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotTask.Status != domain.TaskCancelled {
		t.Fatalf("expected task cancelled, got %s", gotTask.Status)
	}
	gotPending, err := st.GetSubtask(pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotPending.Status != domain.SubtaskCancelled {
		t.Fatalf("expected pending subtask cancelled, got %s", gotPending.Status)
	}
	gotDone, err := st.GetSubtask(done.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotDone.Status != domain.SubtaskCompleted {
		t.Fatalf("expected completed subtask left alone, got %s", gotDone.Status)
	}
}

func TestCancelTaskCancelsNonTerminalSubtasks(t *testing.T) {
	e, st := newTestEngine(t)
	task := &domain.Task{ID: uuid.New(), Status: domain.TaskInProgress, CreatedAt: time.Now()}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	queued := &domain.Subtask{ID: uuid.New(), TaskID: task.ID, Status: domain.SubtaskQueued, CreatedAt: time.Now()}
	if err := st.CreateSubtasks([]*domain.Subtask{queued}); err != nil {
		t.Fatal(err)
	}

	if err := e.CancelTask(context.Background(), task.ID); err != nil {
		t.Fatalf("cancel task: %v", err)
	}

	gotTask, err := st.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotTask.Status != domain.TaskCancelled {
		t.Fatalf("expected task cancelled, got %s", gotTask.Status)
	}
	gotQueued, err := st.GetSubtask(queued.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotQueued.Status != domain.SubtaskCancelled {
		t.Fatalf("expected queued subtask cancelled, got %s", gotQueued.Status)
	}
}

func TestCancelTaskRejectsAlreadyTerminalTask(t *testing.T) {
	e, st := newTestEngine(t)
	task := &domain.Task{ID: uuid.New(), Status: domain.TaskCompleted, CreatedAt: time.Now()}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	err := e.CancelTask(context.Background(), task.ID)
	if !errors.Is(err, domain.ErrBadState) {
		t.Fatalf("expected ErrBadState, got %v", err)
	}
}
