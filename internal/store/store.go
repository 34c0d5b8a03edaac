// Package store is the durable entity Store (C1): transactional CRUD with
// indexed queries over BoltDB, adapted from the teacher's WorkflowStore —
// same bucket-per-concern layout, same "indexes are a separate bucket
// scanned by prefix" trick, generalized from workflow/execution rows to
// Task/Subtask/Worker/Checkpoint/Correction/Evaluation/WorkerAPIKey rows.
//
// BoltDB is chosen, as in the teacher, for single-binary deployment with no
// external dependency: every write is one ACID transaction, which is
// exactly what §4.1's "on any write failure the enclosing business
// operation must roll back" requires.
package store

import (
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketTasks                = []byte("tasks")
	bucketSubtasks             = []byte("subtasks")
	bucketSubtasksByTask       = []byte("subtasks_by_task")
	bucketWorkers              = []byte("workers")
	bucketWorkersByMachine     = []byte("workers_by_machine")
	bucketAPIKeys              = []byte("worker_api_keys")
	bucketAPIKeysByPrefix      = []byte("api_keys_by_prefix")
	bucketEvaluations          = []byte("evaluations")
	bucketEvaluationsBySubtask = []byte("evaluations_by_subtask")
	bucketCheckpoints          = []byte("checkpoints")
	bucketCheckpointsByTask    = []byte("checkpoints_by_task")
	bucketCorrections          = []byte("corrections")
	bucketCorrectionsBySubtask = []byte("corrections_by_subtask")

	allBuckets = [][]byte{
		bucketTasks, bucketSubtasks, bucketSubtasksByTask,
		bucketWorkers, bucketWorkersByMachine,
		bucketAPIKeys, bucketAPIKeysByPrefix,
		bucketEvaluations, bucketEvaluationsBySubtask,
		bucketCheckpoints, bucketCheckpointsByTask,
		bucketCorrections, bucketCorrectionsBySubtask,
	}
)

// Store is the durable entity store.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open creates or opens the BoltDB file at dbPath/control-plane.db and
// ensures every bucket exists.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}

	db, err := bbolt.Open(dbPath+"/control-plane.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("swarm_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("swarm_store_write_ms")

	return &Store{db: db, readLatency: readLatency, writeLatency: writeLatency}, nil
}

// Close releases the underlying BoltDB file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) recordRead(op string, start time.Time) {
	s.readLatency.Record(nil, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func (s *Store) recordWrite(op string, start time.Time) {
	s.writeLatency.Record(nil, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}
