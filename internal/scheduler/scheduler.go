// Package scheduler is the Scheduler (C6): drives the task graph forward,
// either on a cron-driven cycle or on an event-driven "subtask just
// completed" signal, adapted from task_scheduler.py's run_scheduling_cycle
// and on_subtask_complete, and from the teacher's scheduler.go for the
// cron wiring itself.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"

	"github.com/markl-a/GarageSwarm-sub000/internal/allocator"
	"github.com/markl-a/GarageSwarm-sub000/internal/coordinator"
	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
	"github.com/markl-a/GarageSwarm-sub000/internal/natsctx"
	"github.com/markl-a/GarageSwarm-sub000/internal/store"
)

// SubtaskCompleteSubject is the internal NATS subject the event-driven
// dispatch path listens on, distinct from the Coordinator's Redis
// events:* broadcast channels which are for UI consumers.
const SubtaskCompleteSubject = "swarm.subtask.complete"

// Scheduler coordinates allocation across every active task.
type Scheduler struct {
	store     *store.Store
	coord     *coordinator.Coordinator
	allocator *allocator.Allocator
	nc        *nats.Conn
	logger    *slog.Logger

	cronEngine          *cron.Cron
	interval            time.Duration
	maxConcurrent       int
	maxAllocationPeeks  int64

	mu  sync.Mutex
	sub *nats.Subscription
}

// New builds a Scheduler. nc may be nil, in which case no NATS subscription
// is made and NotifySubtaskComplete runs OnSubtaskComplete in-process.
func New(st *store.Store, coord *coordinator.Coordinator, alloc *allocator.Allocator, nc *nats.Conn, logger *slog.Logger, interval time.Duration, maxConcurrent int, maxAllocationPeeks int64) *Scheduler {
	return &Scheduler{
		store:              st,
		coord:              coord,
		allocator:          alloc,
		nc:                 nc,
		logger:             logger,
		cronEngine:         cron.New(cron.WithSeconds()),
		interval:           interval,
		maxConcurrent:      maxConcurrent,
		maxAllocationPeeks: maxAllocationPeeks,
	}
}

// Start registers the periodic cycle and, if nc is set, subscribes to the
// event-driven dispatch subject. Call Stop to unwind both.
func (s *Scheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cronEngine.AddFunc(spec, func() {
		if err := s.RunCycle(ctx); err != nil {
			s.logger.Error("scheduling cycle failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduler: add cron job: %w", err)
	}
	s.cronEngine.Start()

	if s.nc == nil {
		return nil
	}
	sub, err := natsctx.Subscribe(s.nc, SubtaskCompleteSubject, func(msgCtx context.Context, m *nats.Msg) {
		subtaskID, err := uuid.ParseBytes(m.Data)
		if err != nil {
			s.logger.Error("scheduler: bad subtask id on dispatch subject", "error", err)
			return
		}
		if err := s.OnSubtaskComplete(msgCtx, subtaskID); err != nil {
			s.logger.Error("scheduler: on_subtask_complete failed", "subtask", subtaskID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: subscribe dispatch subject: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// Stop unwinds the cron engine and NATS subscription.
func (s *Scheduler) Stop() {
	stopCtx := s.cronEngine.Stop()
	<-stopCtx.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// RunCycle is run_scheduling_cycle: for every initializing or in-progress
// task, find ready subtasks and allocate as many as the global concurrency
// cap allows, then sweep the pending queue for anything left stranded by a
// prior worker shortage. The cycle holds the Coordinator's "scheduler"
// lock; if another process holds it, the cycle is skipped.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	acquired, err := s.coord.AcquireLock(ctx, "scheduler", s.interval)
	if err != nil {
		return fmt.Errorf("scheduler: acquire cycle lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer func() { _ = s.coord.ReleaseLock(ctx, "scheduler") }()

	tasks, err := s.store.ListTasksByStatus(domain.TaskInProgress, domain.TaskInitializing)
	if err != nil {
		return fmt.Errorf("scheduler: list active tasks: %w", err)
	}

	for _, task := range tasks {
		if err := s.scheduleTask(ctx, task); err != nil {
			s.logger.Warn("scheduler: schedule task failed", "task", task.ID, "error", err)
		}
	}

	if _, err := s.allocator.ReallocateQueued(ctx, s.maxAllocationPeeks); err != nil {
		s.logger.Warn("scheduler: reallocate queued failed", "error", err)
	}
	return nil
}

// scheduleTask allocates as many ready subtasks of task as the
// concurrency cap allows, pushing anything left over onto the pending
// queue for a later cycle or reallocation sweep.
func (s *Scheduler) scheduleTask(ctx context.Context, task *domain.Task) error {
	ready, err := s.store.ListQueuedSubtasksByPriority(task.ID)
	if err != nil {
		return fmt.Errorf("list ready subtasks: %w", err)
	}
	if len(ready) == 0 {
		return nil
	}

	allocated := false
	for _, subtask := range ready {
		inProgress, err := s.coord.InProgressCount(ctx)
		if err != nil {
			return fmt.Errorf("check in-progress count: %w", err)
		}
		if inProgress >= int64(s.maxConcurrent) {
			if err := s.coord.PushPending(ctx, subtask.ID); err != nil {
				return fmt.Errorf("queue subtask %s: %w", subtask.ID, err)
			}
			continue
		}
		if _, err := s.allocator.Allocate(ctx, task, subtask); err != nil {
			if err := s.coord.PushPending(ctx, subtask.ID); err != nil {
				return fmt.Errorf("queue subtask %s after allocation miss: %w", subtask.ID, err)
			}
			continue
		}
		allocated = true
	}
	if allocated && task.Status == domain.TaskInitializing {
		task.Status = domain.TaskInProgress
		now := time.Now()
		task.StartedAt = &now
		return s.store.UpdateTask(task)
	}
	return nil
}

// OnSubtaskComplete is the event-driven counterpart to RunCycle: woken by
// a single subtask's completion, it recomputes the owning task's progress
// and immediately tries to schedule any sibling subtasks that just became
// ready, rather than waiting for the next cron tick.
func (s *Scheduler) OnSubtaskComplete(ctx context.Context, subtaskID uuid.UUID) error {
	subtask, err := s.store.GetSubtask(subtaskID)
	if err != nil {
		return fmt.Errorf("get completed subtask %s: %w", subtaskID, err)
	}
	task, err := s.store.GetTask(subtask.TaskID)
	if err != nil {
		return fmt.Errorf("get owning task %s: %w", subtask.TaskID, err)
	}

	counts, err := s.store.CountSubtaskStatusesByTask(task.ID)
	if err != nil {
		return fmt.Errorf("count subtask statuses for %s: %w", task.ID, err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		task.Progress = (counts[domain.SubtaskCompleted] * 100) / total
	}
	switch {
	case counts[domain.SubtaskFailed] > 0:
		task.Status = domain.TaskFailed
		now := time.Now()
		task.CompletedAt = &now
	case task.Progress >= 100:
		task.Status = domain.TaskCompleted
		now := time.Now()
		task.CompletedAt = &now
	}
	if err := s.store.UpdateTask(task); err != nil {
		return fmt.Errorf("update task progress for %s: %w", task.ID, err)
	}
	if task.Status.IsTerminal() {
		return nil
	}
	return s.scheduleTask(ctx, task)
}

// NotifySubtaskComplete publishes subtaskID on the dispatch subject, the
// trigger for OnSubtaskComplete on whichever process instance receives it
// — called by ResultIngest right after a subtask's result is persisted.
func (s *Scheduler) NotifySubtaskComplete(ctx context.Context, subtaskID uuid.UUID) error {
	if s.nc == nil {
		return s.OnSubtaskComplete(ctx, subtaskID)
	}
	return natsctx.Publish(ctx, s.nc, SubtaskCompleteSubject, []byte(subtaskID.String()))
}

// ParallelLevels partitions subtasks into dependency levels: level 0 has
// no dependencies, level N depends only on subtasks in levels < N. Two
// subtasks in the same level can run concurrently, the Scheduler's
// counterpart to identify_parallelizable_subtasks and to a topological
// level assignment over a task DAG.
func ParallelLevels(subtasks []*domain.Subtask) [][]*domain.Subtask {
	byID := make(map[uuid.UUID]*domain.Subtask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
	}
	level := make(map[uuid.UUID]int, len(subtasks))
	var resolve func(id uuid.UUID) int
	resolve = func(id uuid.UUID) int {
		if l, ok := level[id]; ok {
			return l
		}
		st := byID[id]
		maxDep := -1
		for _, dep := range st.Dependencies {
			if _, ok := byID[dep]; !ok {
				continue
			}
			if l := resolve(dep); l > maxDep {
				maxDep = l
			}
		}
		l := maxDep + 1
		level[id] = l
		return l
	}

	maxLevel := 0
	for _, st := range subtasks {
		l := resolve(st.ID)
		if l > maxLevel {
			maxLevel = l
		}
	}
	levels := make([][]*domain.Subtask, maxLevel+1)
	for _, st := range subtasks {
		l := level[st.ID]
		levels[l] = append(levels[l], st)
	}
	return levels
}
