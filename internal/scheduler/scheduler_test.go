package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/markl-a/GarageSwarm-sub000/internal/allocator"
	"github.com/markl-a/GarageSwarm-sub000/internal/coordinator"
	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
	"github.com/markl-a/GarageSwarm-sub000/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *coordinator.Coordinator) {
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

	alloc := allocator.New(st, coord,
		allocator.Weights{ToolMatch: 0.5, Resources: 0.3, Privacy: 0.2},
		allocator.ResourceThresholds{CPUHigh: 85, MemHigh: 85, DiskHigh: 90},
		1,
	)
	sched := New(st, coord, alloc, nil, slog.Default(), time.Minute, 20, 50)
	return sched, st, coord
}

func TestRunCycleAllocatesReadySubtask(t *testing.T) {
	sched, st, _ := newTestScheduler(t)

	task := &domain.Task{ID: uuid.New(), Status: domain.TaskInitializing, CreatedAt: time.Now()}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	subtask := &domain.Subtask{ID: uuid.New(), TaskID: task.ID, RecommendedTool: "claude", Status: domain.SubtaskPending, CreatedAt: time.Now()}
	if err := st.CreateSubtasks([]*domain.Subtask{subtask}); err != nil {
		t.Fatal(err)
	}
	w := &domain.Worker{ID: uuid.New(), MachineID: "m1", Status: domain.WorkerOnline, Tools: []string{"claude"}}
	if err := st.UpsertWorkerByMachineID(w); err != nil {
		t.Fatal(err)
	}

	if err := sched.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	got, err := st.GetSubtask(subtask.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SubtaskQueued {
		t.Fatalf("expected subtask queued (assigned), got %s", got.Status)
	}
	if got.AssignedWorker == nil || *got.AssignedWorker != w.ID {
		t.Fatalf("expected assigned worker %s, got %v", w.ID, got.AssignedWorker)
	}

	gotTask, err := st.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotTask.Status != domain.TaskInProgress {
		t.Fatalf("expected task in_progress, got %s", gotTask.Status)
	}
}

func TestOnSubtaskCompleteAdvancesDependents(t *testing.T) {
	sched, st, _ := newTestScheduler(t)

	task := &domain.Task{ID: uuid.New(), Status: domain.TaskInProgress, CreatedAt: time.Now()}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	root := &domain.Subtask{ID: uuid.New(), TaskID: task.ID, RecommendedTool: "claude", Status: domain.SubtaskCompleted, CreatedAt: time.Now()}
	child := &domain.Subtask{ID: uuid.New(), TaskID: task.ID, RecommendedTool: "claude", Status: domain.SubtaskPending, Dependencies: []uuid.UUID{root.ID}, CreatedAt: time.Now().Add(time.Second)}
	if err := st.CreateSubtasks([]*domain.Subtask{root, child}); err != nil {
		t.Fatal(err)
	}
	w := &domain.Worker{ID: uuid.New(), MachineID: "m1", Status: domain.WorkerOnline, Tools: []string{"claude"}}
	if err := st.UpsertWorkerByMachineID(w); err != nil {
		t.Fatal(err)
	}

	if err := sched.OnSubtaskComplete(context.Background(), root.ID); err != nil {
		t.Fatalf("on subtask complete: %v", err)
	}

	got, err := st.GetSubtask(child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SubtaskQueued {
		t.Fatalf("expected child subtask allocated after root completed, got %s", got.Status)
	}
}

// TestOnSubtaskCompleteMarksTaskFailedOnAnyFailedSubtask matches spec
// §4.8's state machine: a task with any failed subtask transitions to
// failed rather than staying in_progress forever or waiting on 100%
// completion.
func TestOnSubtaskCompleteMarksTaskFailedOnAnyFailedSubtask(t *testing.T) {
	sched, st, _ := newTestScheduler(t)

	task := &domain.Task{ID: uuid.New(), Status: domain.TaskInProgress, CreatedAt: time.Now()}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	ok := &domain.Subtask{ID: uuid.New(), TaskID: task.ID, Status: domain.SubtaskCompleted, CreatedAt: time.Now()}
	failed := &domain.Subtask{ID: uuid.New(), TaskID: task.ID, Status: domain.SubtaskFailed, CreatedAt: time.Now().Add(time.Second)}
	if err := st.CreateSubtasks([]*domain.Subtask{ok, failed}); err != nil {
		t.Fatal(err)
	}

	if err := sched.OnSubtaskComplete(context.Background(), failed.ID); err != nil {
		t.Fatalf("on subtask complete: %v", err)
	}

	gotTask, err := st.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotTask.Status != domain.TaskFailed {
		t.Fatalf("expected task failed, got %s", gotTask.Status)
	}
	if gotTask.CompletedAt == nil {
		t.Fatal("expected CompletedAt set on failed task")
	}
}

func TestParallelLevelsPartitionsByDependencyDepth(t *testing.T) {
	root := &domain.Subtask{ID: uuid.New()}
	a := &domain.Subtask{ID: uuid.New(), Dependencies: []uuid.UUID{root.ID}}
	b := &domain.Subtask{ID: uuid.New(), Dependencies: []uuid.UUID{root.ID}}
	leaf := &domain.Subtask{ID: uuid.New(), Dependencies: []uuid.UUID{a.ID, b.ID}}

	levels := ParallelLevels([]*domain.Subtask{root, a, b, leaf})
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(levels))
	}
	if len(levels[0]) != 1 || levels[0][0].ID != root.ID {
		t.Fatalf("expected level 0 = [root], got %v", levels[0])
	}
	if len(levels[1]) != 2 {
		t.Fatalf("expected level 1 to have a and b in parallel, got %d", len(levels[1]))
	}
	if len(levels[2]) != 1 || levels[2][0].ID != leaf.ID {
		t.Fatalf("expected level 2 = [leaf], got %v", levels[2])
	}
}
