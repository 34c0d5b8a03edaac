// Package decomposer is the Decomposer (C4): turns a Task into its DAG of
// Subtasks using a fixed rule table per task type, adapted from
// task_decomposer.py's SUBTASK_DEFINITIONS.
package decomposer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
	"github.com/markl-a/GarageSwarm-sub000/internal/store"
)

// templateStep is one rule-table row: a subtask to create, naming its
// dependencies by the name of an earlier step in the same template.
type templateStep struct {
	name            string
	description     string
	recommendedTool string
	complexity      int
	priority        int
	dependsOn       []string
}

// templates mirrors SUBTASK_DEFINITIONS exactly: one ordered step list per
// task_type, each step's dependencies referring to step names earlier in
// the same list. Every step recommends claude_code, matching the table —
// the rule engine differentiates subtasks by name and dependency shape,
// not by tool.
var templates = map[string][]templateStep{
	"develop_feature": {
		{name: "Code Generation", description: "Generate the main code implementation based on requirements", recommendedTool: "claude_code", complexity: 3, priority: 100},
		{name: "Code Review", description: "Review generated code for quality, security, and best practices", recommendedTool: "claude_code", complexity: 2, priority: 80, dependsOn: []string{"Code Generation"}},
		{name: "Test Generation", description: "Generate unit tests and integration tests for the code", recommendedTool: "claude_code", complexity: 2, priority: 70, dependsOn: []string{"Code Generation"}},
		{name: "Documentation", description: "Generate documentation including docstrings and README updates", recommendedTool: "claude_code", complexity: 1, priority: 50, dependsOn: []string{"Code Review", "Test Generation"}},
	},
	"bug_fix": {
		{name: "Bug Analysis", description: "Analyze the bug report and identify root cause", recommendedTool: "claude_code", complexity: 2, priority: 100},
		{name: "Fix Implementation", description: "Implement the bug fix based on analysis", recommendedTool: "claude_code", complexity: 3, priority: 90, dependsOn: []string{"Bug Analysis"}},
		{name: "Regression Testing", description: "Create regression tests to prevent future occurrences", recommendedTool: "claude_code", complexity: 2, priority: 80, dependsOn: []string{"Fix Implementation"}},
	},
	"refactor": {
		{name: "Code Analysis", description: "Analyze existing code structure and identify refactoring opportunities", recommendedTool: "claude_code", complexity: 2, priority: 100},
		{name: "Refactoring", description: "Perform the refactoring while maintaining functionality", recommendedTool: "claude_code", complexity: 4, priority: 90, dependsOn: []string{"Code Analysis"}},
		{name: "Test Verification", description: "Verify all existing tests still pass after refactoring", recommendedTool: "claude_code", complexity: 2, priority: 80, dependsOn: []string{"Refactoring"}},
	},
	"code_review": {
		{name: "Static Analysis", description: "Perform static code analysis for potential issues", recommendedTool: "claude_code", complexity: 1, priority: 100},
		{name: "Security Review", description: "Review code for security vulnerabilities", recommendedTool: "claude_code", complexity: 2, priority: 90},
		{name: "Review Report", description: "Generate comprehensive code review report", recommendedTool: "claude_code", complexity: 1, priority: 80, dependsOn: []string{"Static Analysis", "Security Review"}},
	},
	"documentation": {
		{name: "API Documentation", description: "Generate or update API documentation", recommendedTool: "claude_code", complexity: 2, priority: 100},
		{name: "User Guide", description: "Create or update user documentation", recommendedTool: "claude_code", complexity: 2, priority: 90},
		{name: "README Update", description: "Update README with latest information", recommendedTool: "claude_code", complexity: 1, priority: 80, dependsOn: []string{"API Documentation", "User Guide"}},
	},
	"testing": {
		{name: "Test Planning", description: "Create test plan and identify test cases", recommendedTool: "claude_code", complexity: 2, priority: 100},
		{name: "Unit Test Implementation", description: "Implement unit tests", recommendedTool: "claude_code", complexity: 2, priority: 90, dependsOn: []string{"Test Planning"}},
		{name: "Integration Test Implementation", description: "Implement integration tests", recommendedTool: "claude_code", complexity: 3, priority: 80, dependsOn: []string{"Test Planning"}},
		{name: "Test Execution Report", description: "Execute tests and generate report", recommendedTool: "claude_code", complexity: 1, priority: 70, dependsOn: []string{"Unit Test Implementation", "Integration Test Implementation"}},
	},
}

// subtaskType classifies a step by its name: steps that fix a defect are
// code_fix, steps that inspect or review prior work are code_review,
// everything else (generation, planning, reporting) is code_generation.
func subtaskType(name string) domain.SubtaskType {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "fix"):
		return domain.SubtaskCodeFix
	case strings.Contains(lower, "review"), strings.Contains(lower, "analysis"):
		return domain.SubtaskCodeReview
	default:
		return domain.SubtaskCodeGeneration
	}
}

// Decomposer creates a task's subtask DAG from the rule table.
type Decomposer struct {
	store *store.Store
}

// New builds a Decomposer.
func New(st *store.Store) *Decomposer {
	return &Decomposer{store: st}
}

// Decompose refuses to run twice on the same task (ErrAlreadyDecomposed)
// and refuses unknown task types (ErrUnknownTemplate). On success it
// inserts every subtask in one transaction via two passes: the first
// assigns each step a fresh id, the second resolves dependsOn names to
// those sibling ids before the batch insert.
func (d *Decomposer) Decompose(task *domain.Task) ([]*domain.Subtask, error) {
	existing, err := d.store.ListSubtasksByTask(task.ID)
	if err != nil {
		return nil, fmt.Errorf("decomposer: check existing for %s: %w", task.ID, err)
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("decomposer: task %s: %w", task.ID, domain.ErrAlreadyDecomposed)
	}

	taskType := task.TaskType()
	steps, ok := templates[taskType]
	if !ok {
		return nil, fmt.Errorf("decomposer: task_type=%q: %w", taskType, domain.ErrUnknownTemplate)
	}

	now := time.Now()
	byName := make(map[string]uuid.UUID, len(steps))
	subtasks := make([]*domain.Subtask, 0, len(steps))
	for i, step := range steps {
		id := uuid.New()
		byName[step.name] = id
		subtasks = append(subtasks, &domain.Subtask{
			ID:              id,
			TaskID:          task.ID,
			Name:            step.name,
			Description:     step.description,
			Status:          domain.SubtaskPending,
			SubtaskType:     subtaskType(step.name),
			RecommendedTool: step.recommendedTool,
			Complexity:      step.complexity,
			Priority:        step.priority,
			CreatedAt:       now.Add(time.Duration(i) * time.Nanosecond),
		})
	}
	for i, step := range steps {
		deps := make([]uuid.UUID, 0, len(step.dependsOn))
		for _, depName := range step.dependsOn {
			depID, ok := byName[depName]
			if !ok {
				return nil, fmt.Errorf("decomposer: template %q: unknown dependency %q", taskType, depName)
			}
			deps = append(deps, depID)
		}
		subtasks[i].Dependencies = deps
	}

	if err := d.store.CreateSubtasks(subtasks); err != nil {
		return nil, fmt.Errorf("decomposer: persist subtasks for %s: %w", task.ID, err)
	}

	task.Status = domain.TaskInitializing
	if err := d.store.UpdateTask(task); err != nil {
		return nil, fmt.Errorf("decomposer: mark %s initializing: %w", task.ID, err)
	}
	return subtasks, nil
}
