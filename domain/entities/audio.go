package entities

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Default capture parameters
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
)

// CaptureConstraints describes what the capture unit asks the input device for.
type CaptureConstraints struct {
	SampleRate       int  `json:"sample_rate" yaml:"sample_rate"`
	Channels         int  `json:"channels" yaml:"channels"`
	EchoCancellation bool `json:"echo_cancellation" yaml:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression" yaml:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control" yaml:"auto_gain_control"`
}

// DefaultCaptureConstraints returns 16 kHz mono with all voice processing enabled.
func DefaultCaptureConstraints() CaptureConstraints {
	return CaptureConstraints{
		SampleRate:       DefaultSampleRate,
		Channels:         DefaultChannels,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Validate checks the constraints can be served by the pipeline.
func (c CaptureConstraints) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels != 1 {
		return fmt.Errorf("only mono capture is supported, got %d channels", c.Channels)
	}
	return nil
}

// AudioChunk is an immutable slice of captured PCM16 audio.
type AudioChunk struct {
	Samples    []int16
	SampleRate int
	Seq        int
	CapturedAt time.Time
	// Level is the RMS amplitude of Samples in [0,1].
	Level float64
}

// Duration returns the playback length of the chunk.
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// PCM returns the samples encoded as little-endian 16-bit PCM.
func (c AudioChunk) PCM() []byte {
	return EncodePCM16(c.Samples)
}

// AudioBuffer is synthesized audio ready for playback, as PCM16LE mono.
type AudioBuffer struct {
	PCM        []byte
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b AudioBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	samples := len(b.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(b.SampleRate)
}

// IsEmpty reports whether the buffer holds no audio.
func (b AudioBuffer) IsEmpty() bool {
	return len(b.PCM) == 0
}

// Append concatenates other after b. Both buffers must share a sample rate.
func (b AudioBuffer) Append(other AudioBuffer) (AudioBuffer, error) {
	if b.IsEmpty() {
		return AudioBuffer{PCM: append([]byte(nil), other.PCM...), SampleRate: other.SampleRate}, nil
	}
	if other.IsEmpty() {
		return b, nil
	}
	if b.SampleRate != other.SampleRate {
		return b, errors.New("cannot concatenate audio with different sample rates")
	}
	pcm := make([]byte, 0, len(b.PCM)+len(other.PCM))
	pcm = append(pcm, b.PCM...)
	pcm = append(pcm, other.PCM...)
	return AudioBuffer{PCM: pcm, SampleRate: b.SampleRate}, nil
}

// EncodePCM16 converts samples to little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 converts little-endian bytes to samples. A trailing odd byte is ignored.
func DecodePCM16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// RMSLevel returns the root-mean-square amplitude of samples normalised to [0,1].
func RMSLevel(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	level := math.Sqrt(sum / float64(len(samples)))
	if level > 1 {
		return 1
	}
	return level
}
