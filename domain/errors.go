package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors shared across the pipeline. Callers match them with errors.Is.
var (
	// Capture pre-flight failures.
	ErrPermissionDenied  = errors.New("capture: microphone permission denied")
	ErrDeviceUnavailable = errors.New("capture: input device unavailable")
	ErrCaptureActive     = errors.New("capture: already capturing")
	ErrInvalidAudio      = errors.New("capture: unsupported audio constraints")

	// Worker proxies.
	ErrModelLoad     = errors.New("worker: model load failed")
	ErrNotReady      = errors.New("worker: model not ready")
	ErrQueueFull     = errors.New("worker: queue full")
	ErrTranscription = errors.New("transcription: model failed")
	ErrSynthesis     = errors.New("synthesis: model failed")
	ErrWorkerStopped = errors.New("worker: stopped")

	// Remote inference.
	ErrInferenceUnavailable = errors.New("inference: service unavailable")
	ErrInferenceRejected    = errors.New("inference: request rejected")

	// Playback.
	ErrPlaybackInterrupted = errors.New("playback: interrupted")

	// Latency tracking.
	ErrInvalidMarkSequence = errors.New("latency: invalid mark sequence")

	// Offline assets.
	ErrAssetsNotReady   = errors.New("assets: offline assets not ready")
	ErrAssetMiss        = errors.New("assets: cache miss")
	ErrChecksumMismatch = errors.New("assets: checksum mismatch")

	// Coordinator.
	ErrUtteranceActive = errors.New("pipeline: utterance already active")
	ErrPipelineStopped = errors.New("pipeline: coordinator stopped")
)

// Stage names the pipeline step an error or latency mark belongs to.
type Stage string

const (
	StageCapture       Stage = "capture"
	StageTranscription Stage = "transcription"
	StageInference     Stage = "inference"
	StageSynthesis     Stage = "synthesis"
	StagePlayback      Stage = "playback"
)

// Stages lists the sequential pipeline stages in execution order.
var Stages = []Stage{StageCapture, StageTranscription, StageInference, StageSynthesis, StagePlayback}

// StageError attaches the failing stage and utterance to an error.
type StageError struct {
	Stage       Stage
	UtteranceID uuid.UUID
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed for utterance %s: %v", e.Stage, e.UtteranceID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
