// Package ws is the WebSocket connection layer of the market-data
// gateway: it accepts connections, assigns client ids, and delivers the
// fan-out manager's payloads to the right socket.
package ws

import (
	"sync"

	"go.uber.org/zap"

	"github.com/forecastlabs/binex/pkg/metrics"
)

// Hub tracks connected clients by their assigned id and delivers
// payloads to them. It is the gateway's subscriptions.Sender.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Send queues a payload for one client. A full send buffer drops the
// payload rather than blocking the broadcast on a slow reader. Returns
// false only when the client is gone.
//
// The channel send stays under the read lock: unregister closes the
// channel under the write lock, so a delivery can never hit a closed
// channel. The send is non-blocking, holding the lock here is safe.
func (h *Hub) Send(userID string, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[userID]
	if !ok {
		return false
	}

	select {
	case client.send <- payload:
	default:
		metrics.WSMessagesDropped.Inc()
		h.logger.Warn("dropping message for slow client", zap.String("client_id", userID))
	}
	return true
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	metrics.WSConnections.Inc()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	current, ok := h.clients[c.id]
	if ok && current == c {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
	if ok && current == c {
		metrics.WSConnections.Dec()
	}
}
