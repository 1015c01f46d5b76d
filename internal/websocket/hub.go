// Package websocket pushes export job status transitions to connected
// clients, so callers can watch a job instead of polling GetStatus.
package websocket

import (
	"log/slog"
	"sync"

	"github.com/stayware/lodgemap/internal/model"
)

// Message is one job status event broadcast to all clients.
type Message struct {
	Type     string `json:"type"`
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// JobStatus builds the broadcast message for a job's current state.
func JobStatus(job *model.ExportJob) Message {
	return Message{
		Type:     "export_status",
		JobID:    job.ID,
		Status:   string(job.Status),
		Progress: job.Progress,
		Error:    job.ErrorMessage,
	}
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its event feed.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.events)
	}
	h.mu.Unlock()
}

// Broadcast fans an event out to all subscribers. A slow client's full
// buffer drops the event rather than stalling job finalization.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.events <- msg:
		default:
			h.logger.Debug("status event dropped for slow subscriber",
				slog.String("job_id", msg.JobID))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
