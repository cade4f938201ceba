package ws

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forecastlabs/binex/internal/subscriptions"
	"github.com/forecastlabs/binex/pkg/metrics"
	"github.com/forecastlabs/binex/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

const (
	methodSubscribe   = "subscribe_orderbook"
	methodUnsubscribe = "unsubscribe_orderbook"
)

// clientRequest is the only message clients send: subscribe to or leave
// the streams of a set of events.
type clientRequest struct {
	Method string   `json:"method"`
	Events []string `json:"events"`
}

// Client is one WebSocket connection. All writes to the socket go through
// the send channel; the read and write pumps are the only goroutines
// touching the conn.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	manager *subscriptions.Manager
	logger  *zap.Logger
}

func newClient(id string, conn *websocket.Conn, hub *Hub, manager *subscriptions.Manager, logger *zap.Logger) *Client {
	return &Client{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		hub:     hub,
		manager: manager,
		logger:  logger.With(zap.String("client_id", id)),
	}
}

// eventChannels lists every live channel of one event.
func eventChannels(event string) []string {
	yes := models.MarketName(event, models.OutcomeYes)
	no := models.MarketName(event, models.OutcomeNo)
	return []string{
		models.DepthChannel(yes),
		models.TradeChannel(yes),
		models.DepthChannel(no),
		models.TradeChannel(no),
	}
}

// channelsFor resolves one entry of a client request. An entry naming a
// channel ("depth@{market}", "trade@{market}", the summaries channel) is
// used as-is; a bare event id expands to the depth and trade channels of
// both outcomes. Malformed channel names are ignored, never expanded.
func (c *Client) channelsFor(entry string) []string {
	if strings.Contains(entry, "@") || entry == models.SummariesChannel {
		if _, _, err := models.ParseChannel(entry); err != nil {
			c.logger.Warn("ignoring malformed channel", zap.String("channel", entry), zap.Error(err))
			return nil
		}
		return []string{entry}
	}
	return eventChannels(entry)
}

// readPump consumes client requests until the connection drops. Malformed
// requests are logged and ignored; the connection stays open.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.manager.UserLeft(ctx, c.id)
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var req clientRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			c.logger.Warn("ignoring malformed client request", zap.Error(err))
			continue
		}
		c.handleRequest(ctx, req)
	}
}

func (c *Client) handleRequest(ctx context.Context, req clientRequest) {
	switch req.Method {
	case methodSubscribe:
		for _, entry := range req.Events {
			for _, channel := range c.channelsFor(entry) {
				if err := c.manager.Subscribe(ctx, c.id, channel); err != nil {
					c.logger.Warn("subscribe failed",
						zap.String("channel", channel), zap.Error(err))
				}
			}
		}
	case methodUnsubscribe:
		for _, entry := range req.Events {
			for _, channel := range c.channelsFor(entry) {
				c.manager.Unsubscribe(ctx, c.id, channel)
			}
		}
	default:
		c.logger.Warn("ignoring unknown client method", zap.String("method", req.Method))
	}
}

// writePump drains the send channel to the socket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			metrics.WSMessagesSent.Inc()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
