package store

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
)

func subtaskIndexKey(taskID uuid.UUID, createdAt time.Time, id uuid.UUID) []byte {
	key := make([]byte, 0, 16+8+16)
	key = append(key, taskID[:]...)
	key = append(key, encodeTime(createdAt)...)
	key = append(key, id[:]...)
	return key
}

func encodeTime(t time.Time) []byte {
	nano := t.UnixNano()
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(nano)
		nano >>= 8
	}
	return b
}

// CreateSubtasks inserts every subtask in a single transaction: the
// Decomposer's two-pass creation (assign ids, then resolve dependency
// names to sibling ids) calls this once per task with dependencies already
// resolved, so a partial insert on failure never leaves a half-built DAG.
func (s *Store) CreateSubtasks(subtasks []*domain.Subtask) error {
	start := time.Now()
	defer s.recordWrite("create_subtasks", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		rows := tx.Bucket(bucketSubtasks)
		idx := tx.Bucket(bucketSubtasksByTask)
		for _, st := range subtasks {
			if rows.Get(st.ID[:]) != nil {
				return fmt.Errorf("subtask %s: %w", st.ID, domain.ErrBadState)
			}
			data, err := encode(st)
			if err != nil {
				return err
			}
			if err := rows.Put(st.ID[:], data); err != nil {
				return err
			}
			if err := idx.Put(subtaskIndexKey(st.TaskID, st.CreatedAt, st.ID), st.ID[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSubtask fetches a subtask by id.
func (s *Store) GetSubtask(id uuid.UUID) (*domain.Subtask, error) {
	start := time.Now()
	defer s.recordRead("get_subtask", start)

	var st domain.Subtask
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSubtasks).Get(id[:])
		if data == nil {
			return fmt.Errorf("subtask %s: %w", id, domain.ErrNotFound)
		}
		return decode(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// UpdateSubtask overwrites a subtask's stored row. The by-task index key is
// immutable (task/created_at/id never change after creation) so no index
// maintenance is needed here.
func (s *Store) UpdateSubtask(st *domain.Subtask) error {
	start := time.Now()
	defer s.recordWrite("update_subtask", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubtasks)
		if b.Get(st.ID[:]) == nil {
			return fmt.Errorf("subtask %s: %w", st.ID, domain.ErrNotFound)
		}
		data, err := encode(st)
		if err != nil {
			return err
		}
		return b.Put(st.ID[:], data)
	})
}

// ListSubtasksByTask eagerly loads every subtask belonging to taskID in one
// round trip, ordered by creation time — enough for callers to build the
// in-memory byID map the DAG readiness check (Subtask.Ready) needs.
func (s *Store) ListSubtasksByTask(taskID uuid.UUID) ([]*domain.Subtask, error) {
	start := time.Now()
	defer s.recordRead("list_subtasks_by_task", start)

	var out []*domain.Subtask
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketSubtasksByTask)
		rows := tx.Bucket(bucketSubtasks)
		c := idx.Cursor()
		prefix := taskID[:]
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := rows.Get(v)
			if data == nil {
				continue
			}
			var st domain.Subtask
			if err := decode(data, &st); err != nil {
				return err
			}
			out = append(out, &st)
		}
		return nil
	})
	return out, err
}

// CountSubtaskStatusesByTask performs the grouped status-count aggregation
// Task.Progress recomputation needs, in a single bucket-index scan rather
// than N individual GetSubtask round trips.
func (s *Store) CountSubtaskStatusesByTask(taskID uuid.UUID) (map[domain.SubtaskStatus]int, error) {
	subtasks, err := s.ListSubtasksByTask(taskID)
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.SubtaskStatus]int)
	for _, st := range subtasks {
		counts[st.Status]++
	}
	return counts, nil
}

// ListQueuedSubtasksByPriority returns every pending subtask of taskID
// whose dependencies are already satisfied, ordered priority descending
// then created_at ascending — the Scheduler's "what's ready to run" query.
func (s *Store) ListQueuedSubtasksByPriority(taskID uuid.UUID) ([]*domain.Subtask, error) {
	all, err := s.ListSubtasksByTask(taskID)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*domain.Subtask, len(all))
	for _, st := range all {
		byID[st.ID] = st
	}
	var ready []*domain.Subtask
	for _, st := range all {
		if st.Ready(byID) {
			ready = append(ready, st)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready, nil
}
