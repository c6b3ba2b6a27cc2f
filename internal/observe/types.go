package observe

import (
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/internal/latency"
)

// Kind identifies what happened in an Event
type Kind string

// Event kinds
const (
	KindUtteranceStarted   Kind = "utterance_started"
	KindUtteranceCompleted Kind = "utterance_completed"
	KindUtteranceFailed    Kind = "utterance_failed"
	KindUtteranceCancelled Kind = "utterance_cancelled"
	KindStageStarted       Kind = "stage_started"
	KindStageCompleted     Kind = "stage_completed"
	KindStageFailed        Kind = "stage_failed"
	KindFragment           Kind = "fragment"
	KindFallback           Kind = "fallback"
	KindQueueFull          Kind = "queue_full"
	KindLevel              Kind = "level"
)

// Event is one structured observation of the pipeline
type Event struct {
	UtteranceID uuid.UUID       `json:"utterance_id"`
	Stage       domain.Stage    `json:"stage,omitempty"`
	Kind        Kind            `json:"kind"`
	Timestamp   time.Time       `json:"timestamp"`
	Outcome     latency.Outcome `json:"outcome,omitempty"`
	Err         string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	Text        string          `json:"text,omitempty"`
	// Level is the capture amplitude in [0, 1], set on KindLevel events.
	Level float64 `json:"level,omitempty"`
}

// IsTerminal reports whether the event closes an utterance
func (e Event) IsTerminal() bool {
	switch e.Kind {
	case KindUtteranceCompleted, KindUtteranceFailed, KindUtteranceCancelled:
		return true
	}
	return false
}

// Sink consumes events synchronously. Handle must not block.
type Sink interface {
	Handle(Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event)

// Handle implements Sink
func (f SinkFunc) Handle(e Event) {
	f(e)
}
