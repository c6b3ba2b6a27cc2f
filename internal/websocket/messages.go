package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/internal/observe"
	"github.com/satriahrh/voxloop/usecase"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Messages sent by the client
const (
	MessageTypeListeningStart MessageType = "listening_start"
	MessageTypeListeningEnd   MessageType = "listening_end"
	MessageTypeCancel         MessageType = "cancel"
	MessageTypeMicPermission  MessageType = "mic_permission"
	MessageTypePlaybackDone   MessageType = "playback_done"
	MessageTypePing           MessageType = "ping"
)

// Messages sent by the server
const (
	MessageTypePermissionRequest MessageType = "permission_request"
	MessageTypeCaptureStart      MessageType = "capture_start"
	MessageTypeCaptureStop       MessageType = "capture_stop"
	MessageTypePlaybackStart     MessageType = "playback_start"
	MessageTypePlaybackEnd       MessageType = "playback_end"
	MessageTypePlaybackStop      MessageType = "playback_stop"
	MessageTypeEvent             MessageType = "pipeline_event"
	MessageTypeLevel             MessageType = "level"
	MessageTypeReport            MessageType = "report"
	MessageTypeError             MessageType = "error"
	MessageTypePong              MessageType = "pong"
)

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id,omitempty"`
}

// ControlMessage starts, ends or cancels an utterance
type ControlMessage struct {
	BaseMessage
	UtteranceID string `json:"utterance_id,omitempty"`
}

// MicPermissionMessage reports the user's microphone decision
type MicPermissionMessage struct {
	BaseMessage
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

// PlaybackDoneMessage acknowledges that a playback finished on the client
type PlaybackDoneMessage struct {
	BaseMessage
	PlaybackID string `json:"playback_id"`
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// CaptureStartMessage asks the client to start streaming microphone audio
// as binary PCM16LE frames.
type CaptureStartMessage struct {
	BaseMessage
	entities.CaptureConstraints
}

// PlaybackMessage frames the binary audio of one playback
type PlaybackMessage struct {
	BaseMessage
	PlaybackID string `json:"playback_id"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Bytes      int    `json:"bytes,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// EventMessage forwards a pipeline event to the UI
type EventMessage struct {
	BaseMessage
	UtteranceID string `json:"utterance_id"`
	Kind        string `json:"kind"`
	Stage       string `json:"stage,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	Text        string `json:"text,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

// LevelMessage carries one capture amplitude sample for visualization
type LevelMessage struct {
	BaseMessage
	UtteranceID string  `json:"utterance_id"`
	Level       float64 `json:"level"`
}

// ReportMessage carries the terminal outcome of an utterance
type ReportMessage struct {
	BaseMessage
	usecase.Report
	Error string `json:"error,omitempty"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MessageValidator provides validation for client messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses and validates an incoming text message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeListeningStart, MessageTypeListeningEnd, MessageTypeCancel:
		var msg ControlMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid control message: %w", err)
		}
		return &msg, nil

	case MessageTypeMicPermission:
		var msg MicPermissionMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid mic permission message: %w", err)
		}
		return &msg, nil

	case MessageTypePlaybackDone:
		var msg PlaybackDoneMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid playback done message: %w", err)
		}
		if msg.PlaybackID == "" {
			return nil, fmt.Errorf("playback_id is required")
		}
		return &msg, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	case "":
		return nil, fmt.Errorf("message type is required")

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().Format(time.RFC3339)}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message, details string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase(MessageTypeError),
		Code:        code,
		Message:     message,
		Details:     details,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{BaseMessage: newBase(MessageTypePong), Data: data}
}

// CreateEventMessage converts a pipeline event for the client
func CreateEventMessage(e observe.Event) *EventMessage {
	return &EventMessage{
		BaseMessage: newBase(MessageTypeEvent),
		UtteranceID: e.UtteranceID.String(),
		Kind:        string(e.Kind),
		Stage:       string(e.Stage),
		Outcome:     string(e.Outcome),
		Text:        e.Text,
		Error:       e.Err,
		DurationMs:  e.Duration.Milliseconds(),
	}
}

// CreateLevelMessage converts a capture level event for the client
func CreateLevelMessage(e observe.Event) *LevelMessage {
	return &LevelMessage{
		BaseMessage: newBase(MessageTypeLevel),
		UtteranceID: e.UtteranceID.String(),
		Level:       e.Level,
	}
}

// CreateReportMessage converts a terminal report for the client
func CreateReportMessage(r usecase.Report) *ReportMessage {
	msg := &ReportMessage{BaseMessage: newBase(MessageTypeReport), Report: r}
	if r.Err != nil {
		msg.Error = r.Err.Error()
	}
	return msg
}
