package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
)

// UpsertWorkerByMachineID implements the registry's idempotent register:
// if a worker with this machine_id already exists its row is updated in
// place (keeping its id), otherwise a new row is created.
func (s *Store) UpsertWorkerByMachineID(w *domain.Worker) error {
	start := time.Now()
	defer s.recordWrite("upsert_worker", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		workers := tx.Bucket(bucketWorkers)
		byMachine := tx.Bucket(bucketWorkersByMachine)

		if existing := byMachine.Get([]byte(w.MachineID)); existing != nil {
			w.ID = uuid.Must(uuid.FromBytes(existing))
		} else {
			if err := byMachine.Put([]byte(w.MachineID), w.ID[:]); err != nil {
				return err
			}
		}
		data, err := encode(w)
		if err != nil {
			return err
		}
		return workers.Put(w.ID[:], data)
	})
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(id uuid.UUID) (*domain.Worker, error) {
	start := time.Now()
	defer s.recordRead("get_worker", start)

	var w domain.Worker
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get(id[:])
		if data == nil {
			return fmt.Errorf("worker %s: %w", id, domain.ErrNotFound)
		}
		return decode(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWorkerByMachineID resolves a worker via the machine_id index.
func (s *Store) GetWorkerByMachineID(machineID string) (*domain.Worker, error) {
	start := time.Now()
	defer s.recordRead("get_worker_by_machine", start)

	var w domain.Worker
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketWorkersByMachine).Get([]byte(machineID))
		if id == nil {
			return fmt.Errorf("worker machine_id=%s: %w", machineID, domain.ErrNotFound)
		}
		data := tx.Bucket(bucketWorkers).Get(id)
		if data == nil {
			return fmt.Errorf("worker machine_id=%s: %w", machineID, domain.ErrNotFound)
		}
		return decode(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateWorker overwrites a worker's stored row.
func (s *Store) UpdateWorker(w *domain.Worker) error {
	start := time.Now()
	defer s.recordWrite("update_worker", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		if b.Get(w.ID[:]) == nil {
			return fmt.Errorf("worker %s: %w", w.ID, domain.ErrNotFound)
		}
		data, err := encode(w)
		if err != nil {
			return err
		}
		return b.Put(w.ID[:], data)
	})
}

// DeleteWorker removes a worker and its machine_id index entry (unregister).
func (s *Store) DeleteWorker(id uuid.UUID) error {
	start := time.Now()
	defer s.recordWrite("delete_worker", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		workers := tx.Bucket(bucketWorkers)
		data := workers.Get(id[:])
		if data == nil {
			return fmt.Errorf("worker %s: %w", id, domain.ErrNotFound)
		}
		var w domain.Worker
		if err := decode(data, &w); err != nil {
			return err
		}
		if err := tx.Bucket(bucketWorkersByMachine).Delete([]byte(w.MachineID)); err != nil {
			return err
		}
		return workers.Delete(id[:])
	})
}

// ListWorkers performs a single full-bucket scan of every registered worker.
func (s *Store) ListWorkers() ([]*domain.Worker, error) {
	start := time.Now()
	defer s.recordRead("list_workers", start)

	var out []*domain.Worker
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(_, v []byte) error {
			var w domain.Worker
			if err := decode(v, &w); err != nil {
				return err
			}
			out = append(out, &w)
			return nil
		})
	})
	return out, err
}

// CreateWorkerAPIKey persists a new key and indexes it by its public prefix
// for fast authenticate_worker lookups without scanning every hash.
func (s *Store) CreateWorkerAPIKey(k *domain.WorkerAPIKey) error {
	start := time.Now()
	defer s.recordWrite("create_worker_api_key", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := encode(k)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketAPIKeys).Put(k.ID[:], data); err != nil {
			return err
		}
		return tx.Bucket(bucketAPIKeysByPrefix).Put([]byte(k.Prefix), k.ID[:])
	})
}

// GetWorkerAPIKeyByPrefix resolves a key by the prefix sent alongside the
// bearer secret, for the registry to then verify the secret's hash.
func (s *Store) GetWorkerAPIKeyByPrefix(prefix string) (*domain.WorkerAPIKey, error) {
	start := time.Now()
	defer s.recordRead("get_worker_api_key", start)

	var k domain.WorkerAPIKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketAPIKeysByPrefix).Get([]byte(prefix))
		if id == nil {
			return fmt.Errorf("api key prefix=%s: %w", prefix, domain.ErrNotFound)
		}
		data := tx.Bucket(bucketAPIKeys).Get(id)
		if data == nil {
			return fmt.Errorf("api key prefix=%s: %w", prefix, domain.ErrNotFound)
		}
		return decode(data, &k)
	})
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// RevokeWorkerAPIKey stamps revoked_at on a key so Valid() starts failing it.
func (s *Store) RevokeWorkerAPIKey(id uuid.UUID, revokedAt time.Time) error {
	start := time.Now()
	defer s.recordWrite("revoke_worker_api_key", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		data := b.Get(id[:])
		if data == nil {
			return fmt.Errorf("api key %s: %w", id, domain.ErrNotFound)
		}
		var k domain.WorkerAPIKey
		if err := decode(data, &k); err != nil {
			return err
		}
		k.RevokedAt = &revokedAt
		out, err := encode(&k)
		if err != nil {
			return err
		}
		return b.Put(id[:], out)
	})
}
