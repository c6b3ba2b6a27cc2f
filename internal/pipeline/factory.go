package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/repositories"
	"github.com/satriahrh/voxloop/internal/assets"
	"github.com/satriahrh/voxloop/internal/capture"
	"github.com/satriahrh/voxloop/internal/latency"
	"github.com/satriahrh/voxloop/internal/observe"
	"github.com/satriahrh/voxloop/internal/synthesis"
	"github.com/satriahrh/voxloop/internal/transcription"
	"github.com/satriahrh/voxloop/internal/websocket"
	"github.com/satriahrh/voxloop/usecase"
)

var _ websocket.PipelineFactory = (*Factory)(nil)

// Config holds the per-session pipeline settings
type Config struct {
	ChunkDuration time.Duration             `yaml:"chunk_duration"`
	HistoryTurns  int                       `yaml:"history_turns"`
	Coordinator   usecase.CoordinatorConfig `yaml:"coordinator"`
	Transcription transcription.Config      `yaml:"transcription"`
	Synthesis     synthesis.Config          `yaml:"synthesis"`
}

// ValidateConfig validates the Config
func ValidateConfig(config Config) error {
	if config.ChunkDuration < 0 {
		return fmt.Errorf("chunk duration must not be negative, got %v", config.ChunkDuration)
	}
	if config.HistoryTurns < 0 {
		return fmt.Errorf("history turns must not be negative, got %d", config.HistoryTurns)
	}
	if config.Transcription.ModelAsset.ID == "" {
		return errors.New("transcription model asset is required")
	}
	if config.Synthesis.VoiceAsset.ID == "" {
		return errors.New("synthesis voice asset is required")
	}
	return usecase.ValidateCoordinatorConfig(config.Coordinator)
}

// Dependencies are shared by every session. Model constructors are called
// once per session since a model instance is owned by a single worker.
type Dependencies struct {
	SpeechToText func() repositories.SpeechToTextModel
	TextToSpeech func() repositories.TextToSpeechModel
	Inference    usecase.Responder
	Assets       *assets.Cache
	Tracker      *latency.Tracker
	Sinks        []observe.Sink
	Clock        clock.Clock
}

// Factory builds one voice session per connected device
type Factory struct {
	deps   Dependencies
	config Config
	logger *zap.Logger
}

// NewFactory creates a session factory
func NewFactory(deps Dependencies, config Config, logger *zap.Logger) (*Factory, error) {
	switch {
	case deps.SpeechToText == nil:
		return nil, errors.New("speech-to-text model is required")
	case deps.TextToSpeech == nil:
		return nil, errors.New("text-to-speech model is required")
	case deps.Inference == nil:
		return nil, errors.New("inference client is required")
	case deps.Assets == nil:
		return nil, errors.New("asset cache is required")
	case deps.Tracker == nil:
		return nil, errors.New("latency tracker is required")
	}
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Factory{deps: deps, config: config, logger: logger}, nil
}

// NewPipeline wires capture, both worker proxies and a coordinator around
// the device's microphone and speaker.
func (f *Factory) NewPipeline(deviceID string, device repositories.CaptureDevice, playback repositories.PlaybackSink) (websocket.Pipeline, error) {
	logger := f.logger.With(zap.String("deviceID", deviceID))

	stt := transcription.NewProxy(f.deps.SpeechToText(), f.deps.Assets, f.config.Transcription, logger)
	tts := synthesis.NewProxy(f.deps.TextToSpeech(), f.deps.Assets, f.config.Synthesis, logger)
	bus := observe.NewBus(logger, f.deps.Sinks...)

	coordinator, err := usecase.NewCoordinator(usecase.Dependencies{
		Capture:     capture.NewUnit(device, f.config.ChunkDuration, f.deps.Clock, logger),
		Transcriber: stt,
		Synthesizer: tts,
		Inference:   f.deps.Inference,
		Playback:    playback,
		Gate:        &readiness{assets: f.deps.Assets, workers: []worker{stt, tts}},
		Cues:        f.deps.Assets,
		Tracker:     f.deps.Tracker,
		Events:      bus,
		History:     usecase.NewHistory(f.config.HistoryTurns),
		Clock:       f.deps.Clock,
	}, f.config.Coordinator, logger)
	if err != nil {
		stt.Stop()
		tts.Stop()
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	return &Session{
		Coordinator: coordinator,
		bus:         bus,
		stt:         stt,
		tts:         tts,
		logger:      logger,
	}, nil
}

// Session is one device's pipeline and the workers it owns
type Session struct {
	*usecase.Coordinator
	bus    *observe.Bus
	stt    *transcription.Proxy
	tts    *synthesis.Proxy
	logger *zap.Logger
}

// Subscribe streams this session's pipeline events
func (s *Session) Subscribe(buffer int) (<-chan observe.Event, func()) {
	return s.bus.Subscribe(buffer)
}

// Run loads both models and serves the coordinator until ctx is done. The
// workers are stopped on return.
func (s *Session) Run(ctx context.Context) error {
	s.stt.Start(ctx)
	s.tts.Start(ctx)
	defer func() {
		s.stt.Stop()
		s.tts.Stop()
	}()
	return s.Coordinator.Run(ctx)
}

type worker interface {
	Ready() <-chan struct{}
	Err() error
}

// readiness admits a new utterance once the offline assets are in place and
// both models have loaded.
type readiness struct {
	assets  usecase.AssetGate
	workers []worker
}

func (r *readiness) CheckReady(ctx context.Context) error {
	if err := r.assets.CheckReady(ctx); err != nil {
		return err
	}
	for _, w := range r.workers {
		select {
		case <-w.Ready():
			if err := w.Err(); err != nil {
				return err
			}
		default:
			return domain.ErrNotReady
		}
	}
	return nil
}
