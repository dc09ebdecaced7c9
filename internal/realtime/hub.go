// Package realtime pushes session and upload state to dashboard clients over
// WebSocket. There is a single room: every connected dashboard sees the same
// coordinator state.
package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/sermon-relay/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60

	EventSession        = "session"
	EventUploadProgress = "upload_progress"
	EventAutomation     = "automation"
)

// RedisPublisher publishes dashboard events for other process instances.
type RedisPublisher interface {
	Publish(event string, payload []byte) error
}

// RedisSubscriber receives dashboard events published by other instances.
type RedisSubscriber interface {
	Subscribe(handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains the set of dashboard connections and broadcasts state frames.
// Local broadcast plus Redis publish lets the worker process's upload
// progress reach dashboards connected to the coordinator.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
	logger  *zap.Logger
	redis   RedisPublisher
	sub     RedisSubscriber
	cancel  func()
}

// NewHub creates the dashboard hub. redisPub and redisSub may be nil for
// single-process deployments.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
		redis:   redisPub,
		sub:     redisSub,
	}
}

// Start begins relaying events published by other instances. No-op without a
// subscriber.
func (h *Hub) Start() {
	if h.sub == nil {
		return
	}
	cancel, err := h.sub.Subscribe(func(event string, payload []byte) {
		h.broadcastLocal(event, json.RawMessage(payload))
	})
	if err != nil {
		h.logger.Warn("dashboard redis subscribe failed", zap.Error(err))
		return
	}
	h.cancel = cancel
}

// Stop cancels the Redis subscription.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("dashboard client connected", zap.String("client_id", c.ID), zap.Int("clients", n))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("dashboard client disconnected", zap.String("client_id", c.ID), zap.Int("clients", n))
}

func (h *Hub) broadcastLocal(event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Broadcast sends an event to local clients and publishes it for other
// instances.
func (h *Hub) Broadcast(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.broadcastLocal(event, json.RawMessage(data))
	if h.redis != nil {
		_ = h.redis.Publish(event, data)
	}
}

// PublishSession satisfies the session machine's publisher contract.
func (h *Hub) PublishSession(s models.Session) {
	h.Broadcast(EventSession, s)
}

// PublishProgress fans out a per-platform upload progress snapshot.
func (h *Hub) PublishProgress(eventID string, p models.PlatformProgress) {
	h.Broadcast(EventUploadProgress, map[string]interface{}{
		"event_id": eventID,
		"progress": p,
	})
}

// ClientCount returns the number of connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
