package usecase

import (
	"github.com/google/uuid"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/internal/latency"
)

// State is where the coordinator is in the utterance lifecycle
type State string

const (
	StateIdle              State = "idle"
	StateCapturing         State = "capturing"
	StateTranscribing      State = "transcribing"
	StateAwaitingInference State = "awaiting_inference"
	StateSynthesizing      State = "synthesizing"
	StatePlaying           State = "playing"
	StateFailed            State = "failed"
)

// Active reports whether an utterance is in flight in this state
func (s State) Active() bool {
	return s != StateIdle && s != StateFailed
}

// stage returns the pipeline stage that is running in this state
func (s State) stage() domain.Stage {
	switch s {
	case StateCapturing:
		return domain.StageCapture
	case StateTranscribing:
		return domain.StageTranscription
	case StateAwaitingInference:
		return domain.StageInference
	case StateSynthesizing:
		return domain.StageSynthesis
	case StatePlaying:
		return domain.StagePlayback
	default:
		return ""
	}
}

// Report is the single terminal outcome of an utterance
type Report struct {
	UtteranceID uuid.UUID       `json:"utterance_id"`
	Outcome     latency.Outcome `json:"outcome"`
	// Stage is the stage that failed or was interrupted
	Stage      domain.Stage    `json:"stage,omitempty"`
	Err        error           `json:"-"`
	Transcript string          `json:"transcript,omitempty"`
	Reply      string          `json:"reply,omitempty"`
	Empty      bool            `json:"empty,omitempty"`
	Degraded   bool            `json:"degraded,omitempty"`
	Latency    latency.Summary `json:"latency"`
}
