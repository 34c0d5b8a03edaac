// Package httpapi is the external HTTP surface: task submission and
// inspection, checkpoint decisions, worker registration, and result
// ingestion, routed with chi the way the rest of the example pack's
// web-facing services do (the teacher itself uses a bare stdlib mux).
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/markl-a/GarageSwarm-sub000/internal/allocator"
	"github.com/markl-a/GarageSwarm-sub000/internal/checkpoint"
	"github.com/markl-a/GarageSwarm-sub000/internal/coordinator"
	"github.com/markl-a/GarageSwarm-sub000/internal/decomposer"
	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
	"github.com/markl-a/GarageSwarm-sub000/internal/ingest"
	"github.com/markl-a/GarageSwarm-sub000/internal/registry"
	"github.com/markl-a/GarageSwarm-sub000/internal/store"
	"github.com/markl-a/GarageSwarm-sub000/internal/workerchannel"
)

var validate = validator.New()

// Server wires every component into HTTP handlers.
type Server struct {
	store       *store.Store
	coord       *coordinator.Coordinator
	registry    *registry.Registry
	decomposer  *decomposer.Decomposer
	allocator   *allocator.Allocator
	checkpoint  *checkpoint.Engine
	ingest      *ingest.Ingest
	hub         *workerchannel.Hub
	logger      *slog.Logger
	promHandler http.Handler
	auth        *BearerAuth
}

// New builds a Server.
func New(
	st *store.Store,
	coord *coordinator.Coordinator,
	reg *registry.Registry,
	dec *decomposer.Decomposer,
	alloc *allocator.Allocator,
	cp *checkpoint.Engine,
	in *ingest.Ingest,
	hub *workerchannel.Hub,
	logger *slog.Logger,
	promHandler http.Handler,
	auth *BearerAuth,
) *Server {
	return &Server{
		store: st, coord: coord, registry: reg, decomposer: dec, allocator: alloc,
		checkpoint: cp, ingest: in, hub: hub, logger: logger, promHandler: promHandler, auth: auth,
	}
}

// Router builds the chi mux serving every route in the external
// interfaces surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	if s.promHandler != nil {
		r.Get("/metrics", s.promHandler.ServeHTTP)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireUser)
			r.Post("/tasks", s.handleCreateTask)
			r.Get("/tasks", s.handleListTasks)
			r.Get("/tasks/{taskID}", s.handleGetTask)
			r.Post("/tasks/{taskID}/checkpoints/{checkpointID}/decision", s.handleCheckpointDecision)
			r.Post("/tasks/{taskID}/checkpoints/{checkpointID}/rollback", s.handleRollback)
			r.Post("/tasks/{taskID}/cancel", s.handleCancelTask)
			r.Get("/workers", s.handleListWorkers)
		})

		// Registration is the bootstrap step that mints a worker's first
		// API key, so it cannot itself require one; it is instead guarded by
		// a per-IP rate limit since it has no caller identity yet.
		r.With(rateLimit(s.coord, "workers_register", 10, time.Minute, identifyByRemoteAddr)).
			Post("/workers/register", s.handleRegisterWorker)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireWorker)
			r.Post("/workers/{workerID}/heartbeat", s.handleHeartbeat)
			r.With(rateLimit(s.coord, "subtask_result", 60, time.Minute, identifyByWorker)).
				Post("/subtasks/{subtaskID}/result", s.handleSubtaskResult)
		})

		r.Get("/workers/{workerID}/channel", s.hub.ServeHTTP)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTaskRequest struct {
	Description        string            `json:"description" validate:"required"`
	TaskType            string            `json:"task_type" validate:"required"`
	CheckpointFrequency string            `json:"checkpoint_frequency"`
	PrivacyLevel        string            `json:"privacy_level"`
	ToolPreferences     []string          `json:"tool_preferences"`
	Metadata            map[string]string `json:"metadata"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	meta := req.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	meta["task_type"] = req.TaskType

	freq := domain.CheckpointFrequency(req.CheckpointFrequency)
	if freq == "" {
		freq = domain.FrequencyMedium
	}
	privacy := domain.PrivacyLevel(req.PrivacyLevel)
	if privacy == "" {
		privacy = domain.PrivacyNormal
	}

	task := &domain.Task{
		ID:              uuid.New(),
		Description:     req.Description,
		Status:          domain.TaskPending,
		CheckpointFreq:  freq,
		PrivacyLevel:    privacy,
		ToolPreferences: req.ToolPreferences,
		Metadata:        meta,
		CreatedAt:       time.Now(),
	}
	if err := s.store.CreateTask(task); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if _, err := s.decomposer.Decompose(task); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.TaskStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = append(statuses, domain.TaskStatus(raw))
	}
	tasks, err := s.store.ListTasksByStatus(statuses...)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	subtasks, err := s.store.ListSubtasksByTask(id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": task, "subtasks": subtasks})
}

type checkpointDecisionRequest struct {
	Decision      string `json:"decision" validate:"required,oneof=accept correct reject"`
	Notes         string `json:"notes"`
	Guidance      string `json:"guidance"`
	TargetSubtask string `json:"target_subtask"`
}

func (s *Server) handleCheckpointDecision(w http.ResponseWriter, r *http.Request) {
	checkpointID, err := uuid.Parse(chi.URLParam(r, "checkpointID"))
	if err != nil {
		http.Error(w, "invalid checkpoint id", http.StatusBadRequest)
		return
	}
	var req checkpointDecisionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	var target uuid.UUID
	if req.TargetSubtask != "" {
		target, err = uuid.Parse(req.TargetSubtask)
		if err != nil {
			http.Error(w, "invalid target_subtask", http.StatusBadRequest)
			return
		}
	}
	if err := s.checkpoint.ProcessDecision(checkpointID, req.Decision, req.Notes, req.Guidance, target); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	checkpointID, err := uuid.Parse(chi.URLParam(r, "checkpointID"))
	if err != nil {
		http.Error(w, "invalid checkpoint id", http.StatusBadRequest)
		return
	}
	if err := s.checkpoint.RollbackToCheckpoint(checkpointID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	if err := s.checkpoint.CancelTask(r.Context(), id); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type registerWorkerRequest struct {
	MachineID   string   `json:"machine_id" validate:"required"`
	MachineName string   `json:"machine_name"`
	Tools       []string `json:"tools" validate:"required,min=1"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	worker, err := s.registry.Register(r.Context(), &domain.Worker{
		MachineID:   req.MachineID,
		MachineName: req.MachineName,
		Status:      domain.WorkerOnline,
		Tools:       req.Tools,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	plaintext, _, err := s.registry.IssueAPIKey(worker.ID, nil)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"worker": worker, "api_key": plaintext})
}

type heartbeatRequest struct {
	CPUPercent    *float64 `json:"cpu_percent"`
	MemoryPercent *float64 `json:"memory_percent"`
	DiskPercent   *float64 `json:"disk_percent"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID, err := uuid.Parse(chi.URLParam(r, "workerID"))
	if err != nil {
		http.Error(w, "invalid worker id", http.StatusBadRequest)
		return
	}
	var req heartbeatRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	usage := domain.ResourceUsage{CPUPercent: req.CPUPercent, MemoryPercent: req.MemoryPercent, DiskPercent: req.DiskPercent}
	if err := s.registry.Heartbeat(r.Context(), workerID, usage); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

type subtaskResultRequest struct {
	Success bool                   `json:"success"`
	Output  map[string]interface{} `json:"output"`
	Error   string                 `json:"error"`
	Eval    *domain.Evaluation     `json:"evaluation"`
}

func (s *Server) handleSubtaskResult(w http.ResponseWriter, r *http.Request) {
	subtaskID, err := uuid.Parse(chi.URLParam(r, "subtaskID"))
	if err != nil {
		http.Error(w, "invalid subtask id", http.StatusBadRequest)
		return
	}
	workerID := WorkerIDFromContext(r.Context())
	if workerID == uuid.Nil {
		http.Error(w, "missing worker identity", http.StatusUnauthorized)
		return
	}
	var req subtaskResultRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	err = s.ingest.Submit(r.Context(), ingest.Result{
		SubtaskID: subtaskID,
		WorkerID:  workerID,
		Success:   req.Success,
		Output:    req.Output,
		Error:     req.Error,
		Eval:      req.Eval,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrBadState), errors.Is(err, domain.ErrAlreadyDecomposed), errors.Is(err, domain.ErrUnknownTemplate):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNoSuitableWorker), errors.Is(err, domain.ErrCheckpointPending), errors.Is(err, domain.ErrCorrectionLimitReached):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logger.Error("httpapi: unhandled error", "error", err)
	}
	http.Error(w, err.Error(), status)
}
