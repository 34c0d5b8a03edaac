package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	task := &domain.Task{
		ID:        uuid.New(),
		Status:    domain.TaskPending,
		CreatedAt: time.Now(),
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskPending {
		t.Fatalf("got status %s, want pending", got.Status)
	}
}

func TestListTasksByStatusOrdersByCreatedAt(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	older := &domain.Task{ID: uuid.New(), Status: domain.TaskInProgress, CreatedAt: now.Add(-time.Hour)}
	newer := &domain.Task{ID: uuid.New(), Status: domain.TaskInProgress, CreatedAt: now}
	if err := s.CreateTask(newer); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTask(older); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListTasksByStatus(domain.TaskInProgress)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != older.ID {
		t.Fatalf("expected oldest first, got %v", list)
	}
}

func TestSubtaskDAGReadiness(t *testing.T) {
	s := newTestStore(t)
	taskID := uuid.New()
	root := &domain.Subtask{ID: uuid.New(), TaskID: taskID, Status: domain.SubtaskCompleted, CreatedAt: time.Now()}
	child := &domain.Subtask{ID: uuid.New(), TaskID: taskID, Status: domain.SubtaskPending, Dependencies: []uuid.UUID{root.ID}, CreatedAt: time.Now().Add(time.Second)}
	blocked := &domain.Subtask{ID: uuid.New(), TaskID: taskID, Status: domain.SubtaskPending, Dependencies: []uuid.UUID{child.ID}, CreatedAt: time.Now().Add(2 * time.Second)}

	if err := s.CreateSubtasks([]*domain.Subtask{root, child, blocked}); err != nil {
		t.Fatalf("create subtasks: %v", err)
	}

	ready, err := s.ListQueuedSubtasksByPriority(taskID)
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != child.ID {
		t.Fatalf("expected only child ready, got %v", ready)
	}
}

func TestWorkerUpsertIsIdempotentOnMachineID(t *testing.T) {
	s := newTestStore(t)
	w := &domain.Worker{ID: uuid.New(), MachineID: "mac-1", Status: domain.WorkerOnline, LastHeartbeat: time.Now()}
	if err := s.UpsertWorkerByMachineID(w); err != nil {
		t.Fatal(err)
	}
	firstID := w.ID

	again := &domain.Worker{ID: uuid.New(), MachineID: "mac-1", Status: domain.WorkerIdle, LastHeartbeat: time.Now()}
	if err := s.UpsertWorkerByMachineID(again); err != nil {
		t.Fatal(err)
	}
	if again.ID != firstID {
		t.Fatalf("expected re-register to keep id %s, got %s", firstID, again.ID)
	}

	list, err := s.ListWorkers()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 worker after idempotent re-register, got %d", len(list))
	}
}

func TestHasPendingCheckpoint(t *testing.T) {
	s := newTestStore(t)
	taskID := uuid.New()
	cp := &domain.Checkpoint{ID: uuid.New(), TaskID: taskID, Status: domain.CheckpointPendingReview, TriggeredAt: time.Now()}
	if err := s.CreateCheckpoint(cp); err != nil {
		t.Fatal(err)
	}
	pending, err := s.HasPendingCheckpoint(taskID)
	if err != nil {
		t.Fatal(err)
	}
	if !pending {
		t.Fatal("expected pending checkpoint to be detected")
	}

	cp.Status = domain.CheckpointApproved
	if err := s.UpdateCheckpoint(cp); err != nil {
		t.Fatal(err)
	}
	pending, err = s.HasPendingCheckpoint(taskID)
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Fatal("expected no pending checkpoint after approval")
	}
}
