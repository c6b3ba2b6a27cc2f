package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

// mockSilenceLevel is the RMS level below which the mock hears nothing
const mockSilenceLevel = 0.01

var defaultMockScript = []string{"hel", "lo wor", "ld."}

// MockSpeechToText returns a scripted fragment for each voiced chunk.
// The asset, when present, is a JSON array of fragment texts.
type MockSpeechToText struct {
	logger *zap.Logger

	mu        sync.Mutex
	script    []string
	next      int
	loaded    bool
	loads     int
	failNext  int
	failLoads int
}

var _ repositories.SpeechToTextModel = (*MockSpeechToText)(nil)

// NewMockSpeechToText creates a mock speech-to-text model
func NewMockSpeechToText(logger *zap.Logger) *MockSpeechToText {
	return &MockSpeechToText{logger: logger}
}

// Load implements repositories.SpeechToTextModel
func (m *MockSpeechToText) Load(ctx context.Context, asset []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loads++
	if m.failLoads > 0 {
		m.failLoads--
		return errors.New("mock model refused to load")
	}

	script := defaultMockScript
	if len(asset) > 0 {
		var custom []string
		if err := json.Unmarshal(asset, &custom); err != nil {
			return fmt.Errorf("failed to decode mock script: %w", err)
		}
		script = custom
	}
	m.script = script
	m.next = 0
	m.loaded = true

	m.logger.Info("Mock speech model loaded", zap.Int("fragments", len(script)))
	return nil
}

// Transcribe implements repositories.SpeechToTextModel
func (m *MockSpeechToText) Transcribe(ctx context.Context, chunk entities.AudioChunk) (entities.TranscriptFragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return entities.TranscriptFragment{}, errors.New("mock model not loaded")
	}
	if m.failNext > 0 {
		m.failNext--
		return entities.TranscriptFragment{}, errors.New("mock model crashed")
	}
	if err := ctx.Err(); err != nil {
		return entities.TranscriptFragment{}, err
	}

	fragment := entities.TranscriptFragment{ChunkStart: chunk.Seq, ChunkEnd: chunk.Seq, Confidence: 1}
	if chunk.Level < mockSilenceLevel || m.next >= len(m.script) {
		return fragment, nil
	}
	fragment.Text = m.script[m.next]
	m.next++

	m.logger.Debug("Mock transcription", zap.Int("chunk", chunk.Seq), zap.String("text", fragment.Text))
	return fragment, nil
}

// Close implements repositories.SpeechToTextModel
func (m *MockSpeechToText) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
	return nil
}

// FailTranscriptions makes the next n Transcribe calls fail
func (m *MockSpeechToText) FailTranscriptions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// FailLoads makes the next n Load calls fail
func (m *MockSpeechToText) FailLoads(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLoads = n
}

// Loads reports how many times Load was called
func (m *MockSpeechToText) Loads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}
