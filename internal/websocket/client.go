package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/internal/observe"
	"github.com/satriahrh/voxloop/usecase"
)

const controlBuffer = 8

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and the device's
// pipeline.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	closeOnce sync.Once
	closed    chan struct{}

	// Device ID for this client
	deviceID string

	device    *Device
	pipeline  Pipeline
	control   chan *ControlMessage
	validator *MessageValidator

	logger *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, deviceID string, logger *zap.Logger) *Client {
	c := &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan WriteData, hub.config.SendBuffer),
		closed:    make(chan struct{}),
		deviceID:  deviceID,
		control:   make(chan *ControlMessage, controlBuffer),
		validator: NewMessageValidator(),
		logger:    logger,
	}
	c.device = NewDevice(c, hub.config.Device, hub.clk, logger)
	return c
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.device.Close()
	})
}

func (c *Client) enqueue(w WriteData) error {
	select {
	case <-c.closed:
		return errClientClosed
	default:
	}
	select {
	case c.send <- w:
		return nil
	case <-c.closed:
		return errClientClosed
	}
}

func (c *Client) sendJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload})
}

func (c *Client) sendBinary(data []byte) error {
	return c.enqueue(WriteData{Type: websocket.BinaryMessage, Payload: data})
}

func (c *Client) sendError(code, message string, err error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	if sendErr := c.sendJSON(CreateErrorMessage(code, message, details)); sendErr != nil {
		c.logger.Debug("Failed to send error message", zap.Error(sendErr))
	}
}

// readPump pumps messages from the websocket connection to the device.
func (c *Client) readPump() {
	defer func() {
		c.close()
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			c.device.PushFrame(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the client to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// processMessage handles a text message. Session commands go to the control
// loop so a Start waiting on the microphone permission never blocks reads.
func (c *Client) processMessage(message []byte) {
	parsed, err := c.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Invalid message", zap.Error(err))
		c.sendError("invalid_message", "message rejected", err)
		return
	}

	switch msg := parsed.(type) {
	case *ControlMessage:
		select {
		case c.control <- msg:
		default:
			c.sendError("busy", "too many pending commands", nil)
		}
	case *MicPermissionMessage:
		c.device.SetPermission(msg.Granted, msg.Reason)
	case *PlaybackDoneMessage:
		c.device.Acknowledge(msg.PlaybackID)
	case *PingMessage:
		if err := c.sendJSON(CreatePongMessage(msg.Data)); err != nil {
			c.logger.Debug("Failed to send pong", zap.Error(err))
		}
	}
}

// serve runs the pipeline and relays its output until the connection or
// the hub goes away.
func (c *Client) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.close()

	events, unsubscribe := c.pipeline.Subscribe(c.hub.config.EventBuffer)
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		return c.pipeline.Run(ctx)
	})
	g.Go(func() error {
		c.relay(ctx, events)
		return nil
	})
	g.Go(func() error {
		c.runControl(ctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		c.logger.Error("Session ended with error", zap.Error(err))
		return
	}
	c.logger.Info("Session ended")
}

func (c *Client) relay(ctx context.Context, events <-chan observe.Event) {
	reports := c.pipeline.Reports()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			var msg interface{} = CreateEventMessage(e)
			if e.Kind == observe.KindLevel {
				msg = CreateLevelMessage(e)
			}
			if err := c.sendJSON(msg); err != nil {
				return
			}
		case r := <-reports:
			if err := c.sendJSON(CreateReportMessage(r)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) runControl(ctx context.Context) {
	for {
		select {
		case msg := <-c.control:
			c.handleControl(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) handleControl(ctx context.Context, msg *ControlMessage) {
	ack := &ControlMessage{BaseMessage: newBase(msg.Type)}
	ack.MessageID = msg.MessageID

	var err error
	switch msg.Type {
	case MessageTypeListeningStart:
		id, startErr := c.pipeline.Start(ctx)
		err = startErr
		if err == nil {
			ack.UtteranceID = id.String()
			c.logger.Info("Utterance started", zap.String("utteranceID", ack.UtteranceID))
		}
	case MessageTypeListeningEnd:
		err = c.pipeline.Finalize(ctx)
	case MessageTypeCancel:
		err = c.pipeline.Cancel(ctx)
	}

	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("Command failed", zap.String("type", string(msg.Type)), zap.Error(err))
		}
		c.sendError(errorCode(err), fmt.Sprintf("%s failed", msg.Type), err)
		return
	}
	if err := c.sendJSON(ack); err != nil {
		c.logger.Debug("Failed to acknowledge command", zap.Error(err))
	}
}

// errorCode maps a pipeline error to the code reported to the client
func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, domain.ErrAssetsNotReady):
		return "assets_not_ready"
	case errors.Is(err, domain.ErrNotReady), errors.Is(err, domain.ErrModelLoad):
		return "models_not_ready"
	case errors.Is(err, domain.ErrUtteranceActive):
		return "utterance_active"
	case errors.Is(err, usecase.ErrNotCapturing):
		return "not_capturing"
	case errors.Is(err, domain.ErrPipelineStopped), errors.Is(err, context.Canceled):
		return "session_closed"
	default:
		return "internal_error"
	}
}
