package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/domain/repositories"
	"github.com/satriahrh/voxloop/internal/observe"
	"github.com/satriahrh/voxloop/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	defaultSendBuffer  = 256
	defaultEventBuffer = 64
)

// Pipeline is one device's voice session
type Pipeline interface {
	Start(ctx context.Context) (uuid.UUID, error)
	Finalize(ctx context.Context) error
	Cancel(ctx context.Context) error
	Reports() <-chan usecase.Report
	Subscribe(buffer int) (<-chan observe.Event, func())
	// Run serves the session until ctx is done
	Run(ctx context.Context) error
}

// PipelineFactory builds the session behind a new connection
type PipelineFactory interface {
	NewPipeline(deviceID string, capture repositories.CaptureDevice, playback repositories.PlaybackSink) (Pipeline, error)
}

// HubConfig holds connection settings
type HubConfig struct {
	Device         DeviceConfig `yaml:"device"`
	SendBuffer     int          `yaml:"send_buffer"`
	EventBuffer    int          `yaml:"event_buffer"`
	AllowedOrigins []string     `yaml:"allowed_origins"`
}

// ValidateHubConfig validates the HubConfig
func ValidateHubConfig(config HubConfig) error {
	if config.SendBuffer < 0 || config.EventBuffer < 0 {
		return fmt.Errorf("hub buffers must not be negative")
	}
	return ValidateDeviceConfig(config.Device)
}

// Hub maintains the set of connected devices. A device holds at most one
// connection; a new one replaces the old.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	factory  PipelineFactory
	config   HubConfig
	upgrader websocket.Upgrader
	clk      clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(factory PipelineFactory, config HubConfig, clk clock.Clock, logger *zap.Logger) *Hub {
	if config.SendBuffer == 0 {
		config.SendBuffer = defaultSendBuffer
	}
	if config.EventBuffer == 0 {
		config.EventBuffer = defaultEventBuffer
	}
	if clk == nil {
		clk = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		factory:    factory,
		config:     config,
		clk:        clk,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("Rejected websocket origin", zap.String("origin", origin))
	return false
}

// Run starts the hub's main loop. When ctx is done every session is
// cancelled and every connection closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			previous := h.clients[client.deviceID]
			h.clients[client.deviceID] = client
			h.mu.Unlock()
			if previous != nil {
				h.logger.Info("Replacing existing connection", zap.String("deviceID", client.deviceID))
				previous.close()
			}
			h.logger.Info("Client registered", zap.String("deviceID", client.deviceID))

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client.deviceID] == client {
				delete(h.clients, client.deviceID)
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("deviceID", client.deviceID))

		case <-ctx.Done():
			h.cancel()
			h.mu.Lock()
			clients := h.clients
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			for _, client := range clients {
				client.close()
			}
			h.logger.Info("Hub stopped", zap.Int("closedClients", len(clients)))
			return
		}
	}
}

// Count returns the number of connected devices
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// HandleWebSocket upgrades an authenticated request and starts the device's
// voice session on it.
func (h *Hub) HandleWebSocket(c echo.Context, deviceID string) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	logger := h.logger.With(zap.String("deviceID", deviceID))
	client := newClient(h, conn, deviceID, logger)

	pipeline, err := h.factory.NewPipeline(deviceID, client.device, client.device)
	if err != nil {
		logger.Error("Failed to create pipeline", zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "pipeline unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return nil
	}
	client.pipeline = pipeline

	if !h.add(client) {
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
	go client.serve(h.ctx)

	return nil
}
