package review

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
	"github.com/markl-a/GarageSwarm-sub000/internal/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, Config{ScoreThreshold: 6.0, MaxFixCycles: 2}), st
}

func TestCreateReviewSubtaskIsIdempotent(t *testing.T) {
	c, st := newTestCoordinator(t)
	parent := &domain.Subtask{ID: uuid.New(), TaskID: uuid.New(), Status: domain.SubtaskCompleted, SubtaskType: domain.SubtaskCodeGeneration, CreatedAt: time.Now()}
	if err := st.CreateSubtasks([]*domain.Subtask{parent}); err != nil {
		t.Fatal(err)
	}

	first, err := c.CreateReviewSubtask(parent)
	if err != nil {
		t.Fatalf("create review: %v", err)
	}
	second, err := c.CreateReviewSubtask(parent)
	if err != nil {
		t.Fatalf("create review again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected dedup to return same review subtask, got %s vs %s", first.ID, second.ID)
	}
}

func TestProcessReviewResultSpawnsFixBelowThreshold(t *testing.T) {
	c, st := newTestCoordinator(t)
	parent := &domain.Subtask{ID: uuid.New(), TaskID: uuid.New(), Status: domain.SubtaskCompleted, SubtaskType: domain.SubtaskCodeGeneration, CreatedAt: time.Now()}
	if err := st.CreateSubtasks([]*domain.Subtask{parent}); err != nil {
		t.Fatal(err)
	}
	review, err := c.CreateReviewSubtask(parent)
	if err != nil {
		t.Fatal(err)
	}

	fix, err := c.ProcessReviewResult(review, 4.0)
	if err != nil {
		t.Fatalf("process review result: %v", err)
	}
	if fix == nil {
		t.Fatal("expected a fix subtask below threshold")
	}
	if fix.SubtaskType != domain.SubtaskCodeFix {
		t.Fatalf("expected code_fix subtask, got %s", fix.SubtaskType)
	}
}

func TestProcessReviewResultPassesAboveThreshold(t *testing.T) {
	c, st := newTestCoordinator(t)
	parent := &domain.Subtask{ID: uuid.New(), TaskID: uuid.New(), Status: domain.SubtaskCompleted, SubtaskType: domain.SubtaskCodeGeneration, CreatedAt: time.Now()}
	if err := st.CreateSubtasks([]*domain.Subtask{parent}); err != nil {
		t.Fatal(err)
	}
	review, err := c.CreateReviewSubtask(parent)
	if err != nil {
		t.Fatal(err)
	}

	fix, err := c.ProcessReviewResult(review, 9.0)
	if err != nil {
		t.Fatalf("process review result: %v", err)
	}
	if fix != nil {
		t.Fatalf("expected no fix subtask above threshold, got %v", fix)
	}
}

func TestProcessReviewResultEscalatesPastMaxFixCycles(t *testing.T) {
	c, st := newTestCoordinator(t)
	parent := &domain.Subtask{ID: uuid.New(), TaskID: uuid.New(), Status: domain.SubtaskCompleted, SubtaskType: domain.SubtaskCodeGeneration, ReviewCycle: 2, CreatedAt: time.Now()}
	if err := st.CreateSubtasks([]*domain.Subtask{parent}); err != nil {
		t.Fatal(err)
	}
	review, err := c.CreateReviewSubtask(parent)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.ProcessReviewResult(review, 2.0)
	if !errors.Is(err, domain.ErrCorrectionLimitReached) {
		t.Fatalf("expected ErrCorrectionLimitReached, got %v", err)
	}
}
