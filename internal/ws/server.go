package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/forecastlabs/binex/internal/subscriptions"
	"github.com/forecastlabs/binex/pkg/models"
)

// Server is the gateway's HTTP surface: the WebSocket endpoint plus
// health and metrics.
type Server struct {
	logger   *zap.Logger
	hub      *Hub
	manager  *subscriptions.Manager
	upgrader websocket.Upgrader
	http     *http.Server
}

func NewServer(logger *zap.Logger, addr string, hub *Hub, manager *subscriptions.Manager) *Server {
	s := &Server{
		logger:  logger,
		hub:     hub,
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", s.handleWS)

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// Start serves until Stop is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("websocket gateway listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	client := newClient(id, conn, s.hub, s.manager, s.logger)
	s.hub.register(client)

	go client.writePump()
	go client.readPump(context.Background())

	s.sendClientID(client)

	// every client receives the periodic all-markets summary
	if err := s.manager.Subscribe(context.Background(), id, models.SummariesChannel); err != nil {
		s.logger.Warn("summaries subscribe failed", zap.String("client_id", id), zap.Error(err))
	}
}

// sendClientID pushes the id the client must use on its reply queue.
func (s *Server) sendClientID(client *Client) {
	msg, err := models.NewPushMessage(models.PushClientID, map[string]string{"clientId": client.id})
	if err != nil {
		s.logger.Error("failed to build client id message", zap.Error(err))
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to encode client id message", zap.Error(err))
		return
	}
	s.hub.Send(client.id, payload)
}
