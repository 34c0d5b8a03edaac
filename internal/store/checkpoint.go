package store

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
)

// CreateEvaluation appends an evaluation row, indexed subtask_id+evaluated_at
// so LatestEvaluationForSubtask can cursor-seek straight to the newest one.
func (s *Store) CreateEvaluation(e *domain.Evaluation) error {
	start := time.Now()
	defer s.recordWrite("create_evaluation", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := encode(e)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketEvaluations).Put(e.ID[:], data); err != nil {
			return err
		}
		key := subtaskIndexKey(e.SubtaskID, e.EvaluatedAt, e.ID)
		return tx.Bucket(bucketEvaluationsBySubtask).Put(key, e.ID[:])
	})
}

// LatestEvaluationForSubtask returns the most recently recorded evaluation,
// or ErrNotFound if the subtask has never been evaluated.
func (s *Store) LatestEvaluationForSubtask(subtaskID uuid.UUID) (*domain.Evaluation, error) {
	start := time.Now()
	defer s.recordRead("latest_evaluation", start)

	var e domain.Evaluation
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketEvaluationsBySubtask)
		rows := tx.Bucket(bucketEvaluations)
		c := idx.Cursor()
		prefix := subtaskID[:]
		// Index keys are subtaskID+evaluatedAt+id, ascending; the last match
		// in the prefix range is the most recent evaluation.
		var lastVal []byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			lastVal = v
		}
		if lastVal == nil {
			return fmt.Errorf("evaluation for subtask %s: %w", subtaskID, domain.ErrNotFound)
		}
		data := rows.Get(lastVal)
		if data == nil {
			return fmt.Errorf("evaluation for subtask %s: %w", subtaskID, domain.ErrNotFound)
		}
		return decode(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateCheckpoint inserts a new checkpoint, indexed by task+triggered_at.
func (s *Store) CreateCheckpoint(c *domain.Checkpoint) error {
	start := time.Now()
	defer s.recordWrite("create_checkpoint", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := encode(c)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketCheckpoints).Put(c.ID[:], data); err != nil {
			return err
		}
		key := subtaskIndexKey(c.TaskID, c.TriggeredAt, c.ID)
		return tx.Bucket(bucketCheckpointsByTask).Put(key, c.ID[:])
	})
}

// GetCheckpoint fetches a checkpoint by id.
func (s *Store) GetCheckpoint(id uuid.UUID) (*domain.Checkpoint, error) {
	start := time.Now()
	defer s.recordRead("get_checkpoint", start)

	var c domain.Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get(id[:])
		if data == nil {
			return fmt.Errorf("checkpoint %s: %w", id, domain.ErrNotFound)
		}
		return decode(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCheckpoint overwrites a checkpoint's stored row.
func (s *Store) UpdateCheckpoint(c *domain.Checkpoint) error {
	start := time.Now()
	defer s.recordWrite("update_checkpoint", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		if b.Get(c.ID[:]) == nil {
			return fmt.Errorf("checkpoint %s: %w", c.ID, domain.ErrNotFound)
		}
		data, err := encode(c)
		if err != nil {
			return err
		}
		return b.Put(c.ID[:], data)
	})
}

// ListCheckpointsByTask eagerly loads every checkpoint for a task, ordered
// by trigger time.
func (s *Store) ListCheckpointsByTask(taskID uuid.UUID) ([]*domain.Checkpoint, error) {
	start := time.Now()
	defer s.recordRead("list_checkpoints_by_task", start)

	var out []*domain.Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketCheckpointsByTask)
		rows := tx.Bucket(bucketCheckpoints)
		c := idx.Cursor()
		prefix := taskID[:]
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := rows.Get(v)
			if data == nil {
				continue
			}
			var cp domain.Checkpoint
			if err := decode(data, &cp); err != nil {
				return err
			}
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}

// HasPendingCheckpoint reports whether any of a task's checkpoints is still
// awaiting a decision — the Allocator and Scheduler both refuse to assign
// new work while this holds (ErrCheckpointPending).
func (s *Store) HasPendingCheckpoint(taskID uuid.UUID) (bool, error) {
	cps, err := s.ListCheckpointsByTask(taskID)
	if err != nil {
		return false, err
	}
	for _, cp := range cps {
		if cp.Status == domain.CheckpointPendingReview {
			return true, nil
		}
	}
	return false, nil
}

// DeleteCheckpointsTriggeredAfter removes checkpoints for taskID triggered
// strictly after cutoff — rollback_to_checkpoint discards everything that
// happened after the checkpoint being rolled back to.
func (s *Store) DeleteCheckpointsTriggeredAfter(taskID uuid.UUID, cutoff time.Time) error {
	start := time.Now()
	defer s.recordWrite("delete_checkpoints_after", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketCheckpointsByTask)
		rows := tx.Bucket(bucketCheckpoints)
		c := idx.Cursor()
		prefix := taskID[:]
		var toDelete [][]byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := rows.Get(v)
			if data == nil {
				continue
			}
			var cp domain.Checkpoint
			if err := decode(data, &cp); err != nil {
				return err
			}
			if cp.TriggeredAt.After(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
				toDelete = append(toDelete, append([]byte{}, v...))
			}
		}
		for i := 0; i < len(toDelete); i += 2 {
			if err := idx.Delete(toDelete[i]); err != nil {
				return err
			}
			if err := rows.Delete(toDelete[i+1]); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateCorrection inserts a new correction, indexed by subtask+created_at.
func (s *Store) CreateCorrection(c *domain.Correction) error {
	start := time.Now()
	defer s.recordWrite("create_correction", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := encode(c)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketCorrections).Put(c.ID[:], data); err != nil {
			return err
		}
		key := subtaskIndexKey(c.SubtaskID, c.CreatedAt, c.ID)
		return tx.Bucket(bucketCorrectionsBySubtask).Put(key, c.ID[:])
	})
}

// UpdateCorrection overwrites a correction's stored row.
func (s *Store) UpdateCorrection(c *domain.Correction) error {
	start := time.Now()
	defer s.recordWrite("update_correction", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCorrections)
		if b.Get(c.ID[:]) == nil {
			return fmt.Errorf("correction %s: %w", c.ID, domain.ErrNotFound)
		}
		data, err := encode(c)
		if err != nil {
			return err
		}
		return b.Put(c.ID[:], data)
	})
}

// ListCorrectionsBySubtask eagerly loads every correction applied to a
// subtask, ordered by creation time — CheckpointEngine uses len() of the
// result against max_correction_cycles to raise ErrCorrectionLimitReached.
func (s *Store) ListCorrectionsBySubtask(subtaskID uuid.UUID) ([]*domain.Correction, error) {
	start := time.Now()
	defer s.recordRead("list_corrections_by_subtask", start)

	var out []*domain.Correction
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketCorrectionsBySubtask)
		rows := tx.Bucket(bucketCorrections)
		c := idx.Cursor()
		prefix := subtaskID[:]
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := rows.Get(v)
			if data == nil {
				continue
			}
			var cr domain.Correction
			if err := decode(data, &cr); err != nil {
				return err
			}
			out = append(out, &cr)
		}
		return nil
	})
	return out, err
}
