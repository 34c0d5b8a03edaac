// Package workerchannel is the WorkerChannel (C9): the long-lived duplex
// websocket connection a worker holds open to receive task assignments
// and push back results, at most one active connection per worker.
package workerchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/markl-a/GarageSwarm-sub000/internal/coordinator"
	"github.com/markl-a/GarageSwarm-sub000/internal/domain"
	"github.com/markl-a/GarageSwarm-sub000/internal/ingest"
	"github.com/markl-a/GarageSwarm-sub000/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CORS is handled at the chi router layer; this channel only ever
	// accepts upgrades already routed through it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TaskAssignment is the JSON shape pushed down a worker's channel.
type TaskAssignment struct {
	SubtaskID   uuid.UUID `json:"subtask_id"`
	Description string    `json:"description"`
	Tool        string    `json:"tool"`
}

// ResultMessage is the JSON shape a worker pushes up its channel.
type ResultMessage struct {
	SubtaskID uuid.UUID              `json:"subtask_id"`
	Success   bool                   `json:"success"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Eval      *domain.Evaluation     `json:"evaluation,omitempty"`
}

// Hub serves one websocket connection per registered worker.
type Hub struct {
	coord  *coordinator.Coordinator
	reg    *registry.Registry
	ingest *ingest.Ingest
	logger *slog.Logger

	mu    sync.Mutex
	conns map[uuid.UUID]*websocket.Conn
}

// NewHub builds a workerchannel Hub.
func NewHub(coord *coordinator.Coordinator, reg *registry.Registry, in *ingest.Ingest, logger *slog.Logger) *Hub {
	return &Hub{coord: coord, reg: reg, ingest: in, logger: logger, conns: make(map[uuid.UUID]*websocket.Conn)}
}

// ServeHTTP upgrades the request after authenticating the worker's bearer
// credential (prefix.secret), replacing any previously open connection
// for that worker so only one is ever active.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix, secret, ok := parseBearer(r)
	if !ok {
		http.Error(w, "missing or malformed bearer credential", http.StatusUnauthorized)
		return
	}
	worker, err := h.reg.AuthenticateWorker(prefix, secret)
	if err != nil {
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("workerchannel: upgrade failed", "worker", worker.ID, "error", err)
		return
	}

	h.mu.Lock()
	if old, exists := h.conns[worker.ID]; exists {
		old.Close()
	}
	h.conns[worker.ID] = conn
	h.mu.Unlock()

	ctx := r.Context()
	sub := h.coord.SubscribeWorkerTasks(ctx, worker.ID)
	defer sub.Close()

	go h.pump(ctx, worker.ID, conn, sub)
	h.readLoop(ctx, worker.ID, conn)
}

// pump forwards Redis-delivered task assignments to the websocket until
// the subscription's channel closes (connection shutdown).
func (h *Hub) pump(ctx context.Context, workerID uuid.UUID, conn *websocket.Conn, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		}
	}
}

// readLoop consumes result messages a worker pushes up its channel and
// forwards them into ResultIngest, until the connection closes.
func (h *Hub) readLoop(ctx context.Context, workerID uuid.UUID, conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		if h.conns[workerID] == conn {
			delete(h.conns, workerID)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg ResultMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		result := ingest.Result{
			SubtaskID: msg.SubtaskID,
			WorkerID:  workerID,
			Success:   msg.Success,
			Output:    msg.Output,
			Error:     msg.Error,
			Eval:      msg.Eval,
		}
		if err := h.ingest.Submit(ctx, result); err != nil {
			h.logger.Error("workerchannel: ingest submit failed", "worker", workerID, "subtask", msg.SubtaskID, "error", err)
		}
	}
}

// Send pushes a task assignment directly to a worker's open connection,
// if any, returning domain.ErrNotFound if the worker has no active
// channel (the caller should fall back to the pending queue).
func (h *Hub) Send(workerID uuid.UUID, assignment TaskAssignment) error {
	h.mu.Lock()
	conn, ok := h.conns[workerID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("workerchannel: worker %s: %w", workerID, domain.ErrNotFound)
	}
	data, err := json.Marshal(assignment)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func parseBearer(r *http.Request) (prefix, secret string, ok bool) {
	auth := r.Header.Get("Authorization")
	const schema = "Bearer "
	if len(auth) <= len(schema) || auth[:len(schema)] != schema {
		return "", "", false
	}
	cred := auth[len(schema):]
	for i := 0; i < len(cred); i++ {
		if cred[i] == '.' {
			return cred[:i], cred[i+1:], true
		}
	}
	return "", "", false
}
