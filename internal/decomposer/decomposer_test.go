package decomposer

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
	"github.com/markl-a/GarageSwarm-sub000/internal/store"
)

func newTestDecomposer(t *testing.T) (*Decomposer, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

// TestDecomposeDevelopFeatureBuildsDAG matches spec §8 Scenario 1: Code
// Generation with no dependencies, Code Review and Test Generation each
// depending only on Code Generation, and Documentation depending on both.
func TestDecomposeDevelopFeatureBuildsDAG(t *testing.T) {
	d, st := newTestDecomposer(t)
	task := &domain.Task{
		ID:        uuid.New(),
		Status:    domain.TaskPending,
		Metadata:  map[string]string{"task_type": "develop_feature"},
		CreatedAt: time.Now(),
	}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	subtasks, err := d.Decompose(task)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(subtasks) != 4 {
		t.Fatalf("expected 4 subtasks, got %d", len(subtasks))
	}

	byName := make(map[string]*domain.Subtask, len(subtasks))
	for _, s := range subtasks {
		byName[s.Name] = s
		if s.RecommendedTool != "claude_code" {
			t.Fatalf("step %q: expected recommended_tool claude_code, got %q", s.Name, s.RecommendedTool)
		}
	}
	codeGen, codeReview, testGen, docs := byName["Code Generation"], byName["Code Review"], byName["Test Generation"], byName["Documentation"]
	if codeGen == nil || codeReview == nil || testGen == nil || docs == nil {
		t.Fatalf("expected all four named steps, got %v", byName)
	}
	if len(codeGen.Dependencies) != 0 {
		t.Fatalf("expected Code Generation to have no dependencies, got %v", codeGen.Dependencies)
	}
	if len(codeReview.Dependencies) != 1 || codeReview.Dependencies[0] != codeGen.ID {
		t.Fatalf("expected Code Review to depend only on Code Generation, got %v", codeReview.Dependencies)
	}
	if len(testGen.Dependencies) != 1 || testGen.Dependencies[0] != codeGen.ID {
		t.Fatalf("expected Test Generation to depend only on Code Generation, got %v", testGen.Dependencies)
	}
	if len(docs.Dependencies) != 2 {
		t.Fatalf("expected Documentation to depend on 2 steps, got %v", docs.Dependencies)
	}
	for _, dep := range docs.Dependencies {
		if dep != codeReview.ID && dep != testGen.ID {
			t.Fatalf("expected Documentation to depend on Code Review and Test Generation, got %v", docs.Dependencies)
		}
	}
	if codeGen.SubtaskType != domain.SubtaskCodeGeneration {
		t.Fatalf("expected Code Generation subtask_type=code_generation, got %s", codeGen.SubtaskType)
	}
	if codeReview.SubtaskType != domain.SubtaskCodeReview {
		t.Fatalf("expected Code Review subtask_type=code_review, got %s", codeReview.SubtaskType)
	}

	got, err := st.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskInitializing {
		t.Fatalf("expected task status initializing, got %s", got.Status)
	}
}

// TestDecomposeAllTemplatesProduceValidDAGs exercises every remaining
// template so each is actually checked against SUBTASK_DEFINITIONS rather
// than left untested.
func TestDecomposeAllTemplatesProduceValidDAGs(t *testing.T) {
	cases := []struct {
		taskType string
		names    []string
	}{
		{"bug_fix", []string{"Bug Analysis", "Fix Implementation", "Regression Testing"}},
		{"refactor", []string{"Code Analysis", "Refactoring", "Test Verification"}},
		{"code_review", []string{"Static Analysis", "Security Review", "Review Report"}},
		{"documentation", []string{"API Documentation", "User Guide", "README Update"}},
		{"testing", []string{"Test Planning", "Unit Test Implementation", "Integration Test Implementation", "Test Execution Report"}},
	}

	for _, tc := range cases {
		t.Run(tc.taskType, func(t *testing.T) {
			d, st := newTestDecomposer(t)
			task := &domain.Task{
				ID:        uuid.New(),
				Metadata:  map[string]string{"task_type": tc.taskType},
				CreatedAt: time.Now(),
			}
			if err := st.CreateTask(task); err != nil {
				t.Fatal(err)
			}
			subtasks, err := d.Decompose(task)
			if err != nil {
				t.Fatalf("decompose %s: %v", tc.taskType, err)
			}
			if len(subtasks) != len(tc.names) {
				t.Fatalf("%s: expected %d subtasks, got %d", tc.taskType, len(tc.names), len(subtasks))
			}
			byID := make(map[uuid.UUID]*domain.Subtask, len(subtasks))
			seen := make(map[string]bool, len(subtasks))
			for _, s := range subtasks {
				byID[s.ID] = s
				seen[s.Name] = true
				if s.RecommendedTool != "claude_code" {
					t.Fatalf("%s: step %q: expected recommended_tool claude_code, got %q", tc.taskType, s.Name, s.RecommendedTool)
				}
			}
			for _, name := range tc.names {
				if !seen[name] {
					t.Fatalf("%s: missing expected step %q", tc.taskType, name)
				}
			}
			// Every dependency must resolve to a sibling in this same batch.
			for _, s := range subtasks {
				for _, dep := range s.Dependencies {
					if _, ok := byID[dep]; !ok {
						t.Fatalf("%s: step %q has dangling dependency %s", tc.taskType, s.Name, dep)
					}
				}
			}
		})
	}
}

func TestDecomposeRefusesRerun(t *testing.T) {
	d, st := newTestDecomposer(t)
	task := &domain.Task{
		ID:        uuid.New(),
		Metadata:  map[string]string{"task_type": "bug_fix"},
		CreatedAt: time.Now(),
	}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Decompose(task); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Decompose(task); !errors.Is(err, domain.ErrAlreadyDecomposed) {
		t.Fatalf("expected ErrAlreadyDecomposed, got %v", err)
	}
}

func TestDecomposeUnknownTemplate(t *testing.T) {
	d, st := newTestDecomposer(t)
	task := &domain.Task{
		ID:        uuid.New(),
		Metadata:  map[string]string{"task_type": "not_a_type"},
		CreatedAt: time.Now(),
	}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Decompose(task); !errors.Is(err, domain.ErrUnknownTemplate) {
		t.Fatalf("expected ErrUnknownTemplate, got %v", err)
	}
}
