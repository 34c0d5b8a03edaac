package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
)

// CreateTask inserts a new task. Returns ErrBadState (wrapped) if an entity
// with the same id already exists.
func (s *Store) CreateTask(t *domain.Task) error {
	start := time.Now()
	defer s.recordWrite("create_task", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get(t.ID[:]) != nil {
			return fmt.Errorf("task %s: %w", t.ID, domain.ErrBadState)
		}
		data, err := encode(t)
		if err != nil {
			return err
		}
		return b.Put(t.ID[:], data)
	})
}

// GetTask fetches a task by id.
func (s *Store) GetTask(id uuid.UUID) (*domain.Task, error) {
	start := time.Now()
	defer s.recordRead("get_task", start)

	var t domain.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(id[:])
		if data == nil {
			return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		}
		return decode(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask overwrites an existing task's stored row.
func (s *Store) UpdateTask(t *domain.Task) error {
	start := time.Now()
	defer s.recordWrite("update_task", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get(t.ID[:]) == nil {
			return fmt.Errorf("task %s: %w", t.ID, domain.ErrNotFound)
		}
		data, err := encode(t)
		if err != nil {
			return err
		}
		return b.Put(t.ID[:], data)
	})
}

// ListTasksByStatus performs a single full-bucket scan returning tasks whose
// status is in the requested set, ordered created_at ascending. An empty
// statuses set matches every task.
func (s *Store) ListTasksByStatus(statuses ...domain.TaskStatus) ([]*domain.Task, error) {
	start := time.Now()
	defer s.recordRead("list_tasks_by_status", start)

	want := make(map[domain.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*domain.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t domain.Task
			if err := decode(v, &t); err != nil {
				return err
			}
			if len(want) == 0 || want[t.Status] {
				out = append(out, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
