// Package registry is the WorkerRegistry (C3): worker registration,
// heartbeat, and API-key issuance/authentication, adapted from the
// original worker_service.py's idempotent register/heartbeat/unregister
// trio.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/markl-a/GarageSwarm-sub000/internal/coordinator"
	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
	"github.com/markl-a/GarageSwarm-sub000/internal/store"
)

// Registry owns worker lifecycle: the durable Store row plus the
// Coordinator's ephemeral presence mirror.
type Registry struct {
	store             *store.Store
	coord             *coordinator.Coordinator
	heartbeatInterval time.Duration
}

// New builds a Registry. heartbeatInterval sets the Coordinator mirror's
// TTL to 2x this value, matching worker_service.py's staleness window.
func New(st *store.Store, coord *coordinator.Coordinator, heartbeatInterval time.Duration) *Registry {
	return &Registry{store: st, coord: coord, heartbeatInterval: heartbeatInterval}
}

func (r *Registry) mirrorTTL() time.Duration {
	return 2 * r.heartbeatInterval
}

// Register is idempotent on machine_id: a worker that re-registers (e.g.
// after a restart) keeps its existing id and history rather than creating
// a duplicate row.
func (r *Registry) Register(ctx context.Context, w *domain.Worker) (*domain.Worker, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.LastHeartbeat = time.Now()
	if err := r.store.UpsertWorkerByMachineID(w); err != nil {
		return nil, fmt.Errorf("registry: register %s: %w", w.MachineID, err)
	}
	if err := r.coord.SetWorkerStatus(ctx, w.ID, w.Status, r.mirrorTTL()); err != nil {
		return nil, fmt.Errorf("registry: mirror status for %s: %w", w.ID, err)
	}
	return w, nil
}

// Heartbeat refreshes last_heartbeat and the Coordinator's presence TTL.
func (r *Registry) Heartbeat(ctx context.Context, workerID uuid.UUID, usage domain.ResourceUsage) error {
	w, err := r.store.GetWorker(workerID)
	if err != nil {
		return fmt.Errorf("registry: heartbeat %s: %w", workerID, err)
	}
	w.LastHeartbeat = time.Now()
	w.ResourceUsage = usage
	if w.Status == domain.WorkerOffline {
		w.Status = domain.WorkerOnline
	}
	if err := r.store.UpdateWorker(w); err != nil {
		return fmt.Errorf("registry: heartbeat %s: %w", workerID, err)
	}
	return r.coord.SetWorkerStatus(ctx, workerID, w.Status, r.mirrorTTL())
}

// Unregister removes a worker's durable row and clears its presence mirror.
func (r *Registry) Unregister(ctx context.Context, workerID uuid.UUID) error {
	if err := r.store.DeleteWorker(workerID); err != nil {
		return fmt.Errorf("registry: unregister %s: %w", workerID, err)
	}
	return r.coord.SetWorkerStatus(ctx, workerID, domain.WorkerOffline, time.Second)
}

// ReapOffline marks workers whose last heartbeat is older than timeout as
// offline, for the offline-reaper background loop.
func (r *Registry) ReapOffline(ctx context.Context, timeout time.Duration) (int, error) {
	workers, err := r.store.ListWorkers()
	if err != nil {
		return 0, err
	}
	reaped := 0
	cutoff := time.Now().Add(-timeout)
	for _, w := range workers {
		if w.Status == domain.WorkerOffline {
			continue
		}
		if w.LastHeartbeat.Before(cutoff) {
			w.Status = domain.WorkerOffline
			if err := r.store.UpdateWorker(w); err != nil {
				return reaped, err
			}
			if err := r.coord.SetWorkerStatus(ctx, w.ID, domain.WorkerOffline, r.mirrorTTL()); err != nil {
				return reaped, err
			}
			reaped++
		}
	}
	return reaped, nil
}

// IssueAPIKey mints a new worker credential. The plaintext secret is
// returned exactly once; only its hash is persisted.
func (r *Registry) IssueAPIKey(workerID uuid.UUID, expiresAt *time.Time) (plaintext string, key *domain.WorkerAPIKey, err error) {
	prefix, secret, err := generateKey()
	if err != nil {
		return "", nil, fmt.Errorf("registry: generate api key: %w", err)
	}
	key = &domain.WorkerAPIKey{
		ID:        uuid.New(),
		WorkerID:  workerID,
		Prefix:    prefix,
		Hash:      hashSecret(secret),
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	if err := r.store.CreateWorkerAPIKey(key); err != nil {
		return "", nil, fmt.Errorf("registry: issue api key for %s: %w", workerID, err)
	}
	return prefix + "." + secret, key, nil
}

// AuthenticateWorker resolves the bearer credential's prefix, verifies the
// secret's hash, and checks validity — the external "auth module"
// contract specialized to worker credentials.
func (r *Registry) AuthenticateWorker(prefix, secret string) (*domain.Worker, error) {
	key, err := r.store.GetWorkerAPIKeyByPrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("registry: authenticate: %w", domain.ErrNotFound)
	}
	if key.Hash != hashSecret(secret) {
		return nil, fmt.Errorf("registry: authenticate: %w", domain.ErrNotFound)
	}
	if !key.Valid(time.Now()) {
		return nil, fmt.Errorf("registry: authenticate: %w", domain.ErrBadState)
	}
	return r.store.GetWorker(key.WorkerID)
}

func generateKey() (prefix, secret string, err error) {
	prefixBytes := make([]byte, 4)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", err
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", err
	}
	return "swk_" + hex.EncodeToString(prefixBytes), hex.EncodeToString(secretBytes), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
