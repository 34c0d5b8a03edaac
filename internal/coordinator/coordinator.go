// Package coordinator is the ephemeral-state Coordinator (C2): worker
// presence, the pending-subtask queue, distributed locks, rate limits, and
// pub/sub broadcast, all backed by Redis. Key conventions are carried over
// unchanged from the original service's redis_service.py so an operator
// inspecting Redis directly sees the same shape regardless of which
// process wrote them.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
	"github.com/markl-a/GarageSwarm-sub000/internal/resilience"
)

const (
	keyWorkerStatus      = "workers:%s:status"
	keyWorkerCurrentTask = "workers:%s:current_task"
	keyWorkerInfo        = "workers:%s:info"
	keyTaskStatus        = "tasks:%s:status"
	keyTaskProgress      = "tasks:%s:progress"
	keyQueuePending      = "task_queue:pending"
	keyQueueInProgress   = "task_queue:in_progress"
	keyLock              = "lock:%s"
	keyRateLimit         = "ratelimit:%s:%s"
	keyWorkerChannel     = "worker:%s:tasks"

	channelTaskUpdate      = "events:task_update"
	channelWorkerUpdate    = "events:worker_update"
	channelSubtaskComplete = "events:subtask_complete"
	channelCheckpoint      = "events:checkpoint"
)

// Coordinator wraps a Redis client with the control plane's key
// conventions and pub/sub channels.
type Coordinator struct {
	rdb     *redis.Client
	breaker *resilience.CircuitBreaker
}

// New builds a Coordinator over an existing go-redis client (or a
// miniredis-backed one in tests). Every call that reaches Redis goes
// through an adaptive circuit breaker shared across the whole Coordinator,
// since Redis being down is a single failure domain, not one per key.
func New(rdb *redis.Client) *Coordinator {
	return &Coordinator{
		rdb:     rdb,
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 5*time.Second, 3),
	}
}

// call retries a Redis round trip with backoff+jitter, gated by the
// Coordinator's circuit breaker so a down Redis fails fast instead of
// piling up retries once the failure rate is already high.
func call[T any](ctx context.Context, c *Coordinator, fn func() (T, error)) (T, error) {
	var zero T
	if !c.breaker.Allow() {
		return zero, fmt.Errorf("coordinator: circuit open: %w", domain.ErrUnavailable)
	}
	v, err := resilience.Retry(ctx, 3, 50*time.Millisecond, fn)
	c.breaker.RecordResult(err == nil)
	return v, err
}

// Dial connects to addr/password/db the way cmd/controlplane wires it at
// startup.
func Dial(addr, password string, db int) *Coordinator {
	return New(redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}))
}

// Close releases the underlying Redis connection pool.
func (c *Coordinator) Close() error {
	return c.rdb.Close()
}

// SetWorkerStatus mirrors a worker's status with a TTL so an unregistered
// or crashed worker's presence expires on its own.
func (c *Coordinator) SetWorkerStatus(ctx context.Context, workerID uuid.UUID, status domain.WorkerStatus, ttl time.Duration) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.Set(ctx, fmt.Sprintf(keyWorkerStatus, workerID), string(status), ttl).Err()
	})
	return err
}

// GetWorkerStatus returns domain.WorkerOffline if the key has expired or
// was never set, matching "no heartbeat in the window means offline."
func (c *Coordinator) GetWorkerStatus(ctx context.Context, workerID uuid.UUID) (domain.WorkerStatus, error) {
	v, err := call(ctx, c, func() (string, error) {
		v, err := c.rdb.Get(ctx, fmt.Sprintf(keyWorkerStatus, workerID)).Result()
		if err == redis.Nil {
			return "", nil
		}
		return v, err
	})
	if err != nil {
		return "", err
	}
	if v == "" {
		return domain.WorkerOffline, nil
	}
	return domain.WorkerStatus(v), nil
}

// SetWorkerCurrentTask records which subtask a worker is executing, or
// clears it when subtaskID is uuid.Nil.
func (c *Coordinator) SetWorkerCurrentTask(ctx context.Context, workerID, subtaskID uuid.UUID, ttl time.Duration) error {
	key := fmt.Sprintf(keyWorkerCurrentTask, workerID)
	_, err := call(ctx, c, func() (struct{}, error) {
		if subtaskID == uuid.Nil {
			return struct{}{}, c.rdb.Del(ctx, key).Err()
		}
		return struct{}{}, c.rdb.Set(ctx, key, subtaskID.String(), ttl).Err()
	})
	return err
}

// GetWorkerCurrentTask returns uuid.Nil if the worker has no current task.
func (c *Coordinator) GetWorkerCurrentTask(ctx context.Context, workerID uuid.UUID) (uuid.UUID, error) {
	v, err := call(ctx, c, func() (string, error) {
		v, err := c.rdb.Get(ctx, fmt.Sprintf(keyWorkerCurrentTask, workerID)).Result()
		if err == redis.Nil {
			return "", nil
		}
		return v, err
	})
	if err != nil {
		return uuid.Nil, err
	}
	if v == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(v)
}

// BatchGetWorkerCurrentTasks resolves several workers' current tasks in one
// MGET round trip, avoiding the N+1 pattern the Allocator would otherwise
// hit when scoring every online worker.
func (c *Coordinator) BatchGetWorkerCurrentTasks(ctx context.Context, workerIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	if len(workerIDs) == 0 {
		return map[uuid.UUID]uuid.UUID{}, nil
	}
	keys := make([]string, len(workerIDs))
	for i, id := range workerIDs {
		keys[i] = fmt.Sprintf(keyWorkerCurrentTask, id)
	}
	vals, err := call(ctx, c, func() ([]interface{}, error) {
		return c.rdb.MGet(ctx, keys...).Result()
	})
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]uuid.UUID, len(workerIDs))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		out[workerIDs[i]] = id
	}
	return out, nil
}

// SetWorkerInfo caches a worker's tools/resource snapshot as a hash for
// fast Allocator reads without hitting the Store.
func (c *Coordinator) SetWorkerInfo(ctx context.Context, workerID uuid.UUID, fields map[string]string, ttl time.Duration) error {
	key := fmt.Sprintf(keyWorkerInfo, workerID)
	_, err := call(ctx, c, func() (struct{}, error) {
		pipe := c.rdb.TxPipeline()
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
		_, err := pipe.Exec(ctx)
		return struct{}{}, err
	})
	return err
}

// GetWorkerInfo reads the cached worker snapshot hash.
func (c *Coordinator) GetWorkerInfo(ctx context.Context, workerID uuid.UUID) (map[string]string, error) {
	return call(ctx, c, func() (map[string]string, error) {
		return c.rdb.HGetAll(ctx, fmt.Sprintf(keyWorkerInfo, workerID)).Result()
	})
}

// SetTaskStatus mirrors a task's status for fast UI polling.
func (c *Coordinator) SetTaskStatus(ctx context.Context, taskID uuid.UUID, status domain.TaskStatus) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.Set(ctx, fmt.Sprintf(keyTaskStatus, taskID), string(status), 0).Err()
	})
	return err
}

// SetTaskProgress mirrors a task's progress percentage.
func (c *Coordinator) SetTaskProgress(ctx context.Context, taskID uuid.UUID, progress int) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.Set(ctx, fmt.Sprintf(keyTaskProgress, taskID), progress, 0).Err()
	})
	return err
}

// PushPending appends a subtask id to the tail of the pending queue.
func (c *Coordinator) PushPending(ctx context.Context, subtaskID uuid.UUID) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.RPush(ctx, keyQueuePending, subtaskID.String()).Err()
	})
	return err
}

// PopPending pops the head of the pending queue (FIFO), returning
// domain.ErrNotFound when empty. An empty queue is an expected outcome, not
// a transient failure, so it is not counted against the circuit breaker.
func (c *Coordinator) PopPending(ctx context.Context) (uuid.UUID, error) {
	v, err := call(ctx, c, func() (string, error) {
		v, err := c.rdb.LPop(ctx, keyQueuePending).Result()
		if err == redis.Nil {
			return "", nil
		}
		return v, err
	})
	if err != nil {
		return uuid.Nil, err
	}
	if v == "" {
		return uuid.Nil, fmt.Errorf("pending queue: %w", domain.ErrNotFound)
	}
	return uuid.Parse(v)
}

// PeekPending returns up to n subtask ids from the head of the pending
// queue without removing them, for the Scheduler's reallocation scan.
func (c *Coordinator) PeekPending(ctx context.Context, n int64) ([]uuid.UUID, error) {
	vals, err := call(ctx, c, func() ([]string, error) {
		return c.rdb.LRange(ctx, keyQueuePending, 0, n-1).Result()
	})
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(vals))
	for _, v := range vals {
		id, err := uuid.Parse(v)
		if err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// RemovePending strikes a subtask id from the pending queue wherever it
// sits, used when a task is cancelled so its queued subtasks never get
// popped and allocated after the fact.
func (c *Coordinator) RemovePending(ctx context.Context, subtaskID uuid.UUID) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.LRem(ctx, keyQueuePending, 0, subtaskID.String()).Err()
	})
	return err
}

// MarkInProgress adds a subtask id to the in-progress set. The pending
// queue is not touched.
func (c *Coordinator) MarkInProgress(ctx context.Context, subtaskID uuid.UUID) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.SAdd(ctx, keyQueueInProgress, subtaskID.String()).Err()
	})
	return err
}

// ClearInProgress removes a subtask id from the in-progress set (subtask
// completed, failed, or was released back to the queue).
func (c *Coordinator) ClearInProgress(ctx context.Context, subtaskID uuid.UUID) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.SRem(ctx, keyQueueInProgress, subtaskID.String()).Err()
	})
	return err
}

// InProgressCount reports how many subtasks are currently executing,
// the figure the Scheduler compares against max_concurrent_subtasks.
func (c *Coordinator) InProgressCount(ctx context.Context) (int64, error) {
	return call(ctx, c, func() (int64, error) {
		return c.rdb.SCard(ctx, keyQueueInProgress).Result()
	})
}

// AcquireLock implements the distributed lock via SET NX EX, returning
// false (no error) if another holder already owns resource.
func (c *Coordinator) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	return call(ctx, c, func() (bool, error) {
		return c.rdb.SetNX(ctx, fmt.Sprintf(keyLock, resource), "1", ttl).Result()
	})
}

// ReleaseLock drops a held lock.
func (c *Coordinator) ReleaseLock(ctx context.Context, resource string) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.Del(ctx, fmt.Sprintf(keyLock, resource)).Err()
	})
	return err
}

// CheckRateLimit increments a per-(user,endpoint) counter in a fixed
// window (the TTL is set on the first increment only) and reports whether
// the caller is still under limit.
func (c *Coordinator) CheckRateLimit(ctx context.Context, user, endpoint string, limit int64, window time.Duration) (bool, error) {
	key := fmt.Sprintf(keyRateLimit, user, endpoint)
	count, err := call(ctx, c, func() (int64, error) {
		count, err := c.rdb.Incr(ctx, key).Result()
		if err != nil {
			return 0, err
		}
		if count == 1 {
			if err := c.rdb.Expire(ctx, key, window).Err(); err != nil {
				return 0, err
			}
		}
		return count, nil
	})
	if err != nil {
		return false, err
	}
	return count <= limit, nil
}

// PublishTaskUpdate broadcasts a task status change on events:task_update.
func (c *Coordinator) PublishTaskUpdate(ctx context.Context, payload string) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.Publish(ctx, channelTaskUpdate, payload).Err()
	})
	return err
}

// PublishWorkerUpdate broadcasts a worker status change.
func (c *Coordinator) PublishWorkerUpdate(ctx context.Context, payload string) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.Publish(ctx, channelWorkerUpdate, payload).Err()
	})
	return err
}

// PublishSubtaskComplete broadcasts a subtask completion.
func (c *Coordinator) PublishSubtaskComplete(ctx context.Context, payload string) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.Publish(ctx, channelSubtaskComplete, payload).Err()
	})
	return err
}

// PublishCheckpointTriggered broadcasts a new checkpoint awaiting review.
func (c *Coordinator) PublishCheckpointTriggered(ctx context.Context, payload string) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.Publish(ctx, channelCheckpoint, payload).Err()
	})
	return err
}

// PublishWorkerTask pushes a work assignment onto a worker's dedicated
// channel, consumed by the WorkerChannel serving that worker's websocket.
func (c *Coordinator) PublishWorkerTask(ctx context.Context, workerID uuid.UUID, payload string) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.Publish(ctx, fmt.Sprintf(keyWorkerChannel, workerID), payload).Err()
	})
	return err
}

// SubscribeWorkerTasks returns the pub/sub subscription feeding a single
// worker's WorkerChannel.
func (c *Coordinator) SubscribeWorkerTasks(ctx context.Context, workerID uuid.UUID) *redis.PubSub {
	return c.rdb.Subscribe(ctx, fmt.Sprintf(keyWorkerChannel, workerID))
}

// SubscribeEvents returns a fan-in subscription over every UI-facing
// broadcast channel.
func (c *Coordinator) SubscribeEvents(ctx context.Context) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channelTaskUpdate, channelWorkerUpdate, channelSubtaskComplete, channelCheckpoint)
}
