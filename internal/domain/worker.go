package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkerStatus is the closed enum of Worker states.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Available reports whether the status alone permits allocation; the
// current-task check lives in the Coordinator, not here.
func (s WorkerStatus) Available() bool {
	return s == WorkerOnline || s == WorkerIdle
}

// ResourceUsage mirrors a worker's last-reported utilization percentages.
type ResourceUsage struct {
	CPUPercent    *float64 `json:"cpu_percent,omitempty"`
	MemoryPercent *float64 `json:"memory_percent,omitempty"`
	DiskPercent   *float64 `json:"disk_percent,omitempty"`
}

// Worker is a machine in the fleet hosting one or more AI coding tools.
type Worker struct {
	ID            uuid.UUID         `json:"id"`
	MachineID     string            `json:"machine_id"`
	MachineName   string            `json:"machine_name"`
	Status        WorkerStatus      `json:"status"`
	Tools         []string          `json:"tools"`
	ResourceUsage ResourceUsage     `json:"resource_usage"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	SystemInfo    map[string]string `json:"system_info"`
}

// HasTool reports whether name is in the worker's ordered tool list.
func (w *Worker) HasTool(name string) bool {
	for _, t := range w.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// WorkerAPIKey is an opaque credential issued to a worker, hashed at rest.
type WorkerAPIKey struct {
	ID        uuid.UUID  `json:"id"`
	WorkerID  uuid.UUID  `json:"worker_id"`
	Prefix    string     `json:"prefix"`
	Hash      string     `json:"-"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Valid reports whether the key is usable at the given instant.
func (k *WorkerAPIKey) Valid(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}
