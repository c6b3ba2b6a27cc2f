package tts

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

const (
	mockSampleRate  = 16000
	mockToneHz      = 440
	mockPerRune     = 20 * time.Millisecond
	mockToneVolume  = 0.2
	mockMaxDuration = 10 * time.Second
)

// MockTextToSpeech renders a sine tone whose length grows with the text
type MockTextToSpeech struct {
	logger *zap.Logger
	delay  time.Duration

	mu       sync.Mutex
	loaded   bool
	failNext int
	texts    []string
}

var _ repositories.TextToSpeechModel = (*MockTextToSpeech)(nil)

// NewMockTextToSpeech creates a mock model. delay simulates inference time.
func NewMockTextToSpeech(delay time.Duration, logger *zap.Logger) *MockTextToSpeech {
	return &MockTextToSpeech{logger: logger, delay: delay}
}

// Load implements repositories.TextToSpeechModel
func (m *MockTextToSpeech) Load(ctx context.Context, asset []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	m.logger.Info("Mock voice loaded", zap.Int("assetSize", len(asset)))
	return nil
}

// Synthesize implements repositories.TextToSpeechModel
func (m *MockTextToSpeech) Synthesize(ctx context.Context, text string) (entities.AudioBuffer, error) {
	m.mu.Lock()
	loaded := m.loaded
	fail := m.failNext > 0
	if fail {
		m.failNext--
	}
	m.texts = append(m.texts, text)
	m.mu.Unlock()

	if !loaded {
		return entities.AudioBuffer{}, errors.New("mock voice not loaded")
	}
	if fail {
		return entities.AudioBuffer{}, errors.New("mock voice crashed")
	}
	if strings.TrimSpace(text) == "" {
		return entities.AudioBuffer{}, errors.New("text cannot be empty")
	}

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return entities.AudioBuffer{}, ctx.Err()
		}
	}

	duration := time.Duration(len([]rune(text))) * mockPerRune
	if duration > mockMaxDuration {
		duration = mockMaxDuration
	}
	return Tone(duration, mockSampleRate), nil
}

// Close implements repositories.TextToSpeechModel
func (m *MockTextToSpeech) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
	return nil
}

// FailSyntheses makes the next n Synthesize calls fail
func (m *MockTextToSpeech) FailSyntheses(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Texts returns every text passed to Synthesize
func (m *MockTextToSpeech) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

// Tone renders a 440 Hz sine of the given duration
func Tone(duration time.Duration, sampleRate int) entities.AudioBuffer {
	n := int(duration * time.Duration(sampleRate) / time.Second)
	samples := make([]int16, n)
	for i := range samples {
		v := math.Sin(2 * math.Pi * mockToneHz * float64(i) / float64(sampleRate))
		samples[i] = int16(v * mockToneVolume * math.MaxInt16)
	}
	return entities.AudioBuffer{PCM: entities.EncodePCM16(samples), SampleRate: sampleRate}
}
