package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

type fakeOutbound struct {
	sent chan WriteData
}

func newFakeOutbound() *fakeOutbound {
	return &fakeOutbound{sent: make(chan WriteData, 1024)}
}

func (f *fakeOutbound) sendJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.sent <- WriteData{Type: websocket.TextMessage, Payload: payload}
	return nil
}

func (f *fakeOutbound) sendBinary(data []byte) error {
	f.sent <- WriteData{Type: websocket.BinaryMessage, Payload: data}
	return nil
}

func (f *fakeOutbound) next(t *testing.T) WriteData {
	t.Helper()
	select {
	case w := <-f.sent:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for outbound message")
		return WriteData{}
	}
}

// expect reads the next message and checks it is a text message of type want
func (f *fakeOutbound) expect(t *testing.T, want MessageType) map[string]interface{} {
	t.Helper()
	w := f.next(t)
	if w.Type != websocket.TextMessage {
		t.Fatalf("Expected text message %s, got binary frame of %d bytes", want, len(w.Payload))
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(w.Payload, &decoded); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if decoded["type"] != string(want) {
		t.Fatalf("Expected message %s, got %v", want, decoded["type"])
	}
	return decoded
}

type streamResult struct {
	stream repositories.InputStream
	err    error
}

func requestStream(d *Device) <-chan streamResult {
	done := make(chan streamResult, 1)
	go func() {
		s, err := d.RequestStream(context.Background(), entities.DefaultCaptureConstraints())
		done <- streamResult{stream: s, err: err}
	}()
	return done
}

func waitResult[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for result")
		var zero T
		return zero
	}
}

func TestDevice_PermissionGrantedStreamsFrames(t *testing.T) {
	out := newFakeOutbound()
	device := NewDevice(out, DeviceConfig{}, clock.New(), zaptest.NewLogger(t))

	done := requestStream(device)
	out.expect(t, MessageTypePermissionRequest)
	device.SetPermission(true, "")

	res := waitResult(t, done)
	if res.err != nil {
		t.Fatalf("RequestStream failed: %v", res.err)
	}
	start := out.expect(t, MessageTypeCaptureStart)
	if start["sample_rate"] != float64(entities.DefaultSampleRate) {
		t.Errorf("Expected constraints in capture_start, got %v", start)
	}

	samples := []int16{1, -2, 300, -400}
	device.PushFrame(entities.EncodePCM16(samples))

	got, err := res.stream.Read(context.Background())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != len(samples) || got[2] != 300 || got[3] != -400 {
		t.Errorf("Expected %v, got %v", samples, got)
	}

	// A frame received before Close is still delivered.
	device.PushFrame(entities.EncodePCM16(samples))
	if err := res.stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	out.expect(t, MessageTypeCaptureStop)

	if _, err := res.stream.Read(context.Background()); err != nil {
		t.Errorf("Expected buffered frame after close, got %v", err)
	}
	if _, err := res.stream.Read(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}

	// Permission is remembered for the next stream.
	second := waitResult(t, requestStream(device))
	if second.err != nil {
		t.Fatalf("Second RequestStream failed: %v", second.err)
	}
	out.expect(t, MessageTypeCaptureStart)
}

func TestDevice_PermissionDenied(t *testing.T) {
	out := newFakeOutbound()
	device := NewDevice(out, DeviceConfig{}, clock.New(), zaptest.NewLogger(t))

	done := requestStream(device)
	out.expect(t, MessageTypePermissionRequest)
	device.SetPermission(false, "blocked in settings")

	if res := waitResult(t, done); !errors.Is(res.err, domain.ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", res.err)
	}

	if res := waitResult(t, requestStream(device)); !errors.Is(res.err, domain.ErrPermissionDenied) {
		t.Errorf("Expected remembered denial, got %v", res.err)
	}
	select {
	case w := <-out.sent:
		t.Errorf("Expected no further prompt, got %s", w.Payload)
	default:
	}
}

func TestDevice_PermissionTimeout(t *testing.T) {
	out := newFakeOutbound()
	device := NewDevice(out, DeviceConfig{PermissionTimeout: 20 * time.Millisecond}, clock.New(), zaptest.NewLogger(t))

	res := waitResult(t, requestStream(device))
	if !errors.Is(res.err, domain.ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", res.err)
	}
}

func TestDevice_CloseReleasesWaiters(t *testing.T) {
	out := newFakeOutbound()
	device := NewDevice(out, DeviceConfig{}, clock.New(), zaptest.NewLogger(t))

	done := requestStream(device)
	out.expect(t, MessageTypePermissionRequest)
	device.Close()

	if res := waitResult(t, done); !errors.Is(res.err, domain.ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable, got %v", res.err)
	}
	if err := waitResult(t, device.Play(entities.AudioBuffer{PCM: make([]byte, 320), SampleRate: 16000})); !errors.Is(err, domain.ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable from Play, got %v", err)
	}
}

func TestDevice_PlaybackAcknowledged(t *testing.T) {
	out := newFakeOutbound()
	device := NewDevice(out, DeviceConfig{}, clock.New(), zaptest.NewLogger(t))

	// 250ms at 16kHz, streamed as 3200 + 3200 + 1600 bytes
	buf := entities.AudioBuffer{PCM: make([]byte, 8000), SampleRate: 16000}
	result := device.Play(buf)

	start := out.expect(t, MessageTypePlaybackStart)
	id, _ := start["playback_id"].(string)
	if id == "" {
		t.Fatal("Expected playback id")
	}
	if start["duration_ms"] != float64(250) {
		t.Errorf("Expected duration 250ms, got %v", start["duration_ms"])
	}

	for _, want := range []int{3200, 3200, 1600} {
		frame := out.next(t)
		if frame.Type != websocket.BinaryMessage || len(frame.Payload) != want {
			t.Fatalf("Expected %d byte binary frame, got type %d with %d bytes", want, frame.Type, len(frame.Payload))
		}
	}
	out.expect(t, MessageTypePlaybackEnd)

	device.Acknowledge("someone-else")
	select {
	case err := <-result:
		t.Fatalf("Playback completed on a foreign ack: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	device.Acknowledge(id)
	if err := waitResult(t, result); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

func TestDevice_PlaybackStop(t *testing.T) {
	out := newFakeOutbound()
	device := NewDevice(out, DeviceConfig{}, clock.New(), zaptest.NewLogger(t))

	result := device.Play(entities.AudioBuffer{PCM: make([]byte, 640), SampleRate: 16000})
	out.expect(t, MessageTypePlaybackStart)
	out.next(t)
	out.expect(t, MessageTypePlaybackEnd)

	device.Stop()
	if err := waitResult(t, result); !errors.Is(err, domain.ErrPlaybackInterrupted) {
		t.Errorf("Expected ErrPlaybackInterrupted, got %v", err)
	}
	out.expect(t, MessageTypePlaybackStop)
}

func TestDevice_PlaybackWithoutAckCompletes(t *testing.T) {
	out := newFakeOutbound()
	device := NewDevice(out, DeviceConfig{PlaybackGrace: 10 * time.Millisecond}, clock.New(), zaptest.NewLogger(t))

	result := device.Play(entities.AudioBuffer{PCM: make([]byte, 320), SampleRate: 16000})
	if err := waitResult(t, result); err != nil {
		t.Errorf("Expected playback to complete without ack, got %v", err)
	}
}

func TestValidateDeviceConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  DeviceConfig
		wantErr bool
	}{
		{name: "defaults", config: DeviceConfig{}},
		{name: "odd frame size", config: DeviceConfig{FrameBytes: 3201}, wantErr: true},
		{name: "negative grace", config: DeviceConfig{PlaybackGrace: -time.Second}, wantErr: true},
		{name: "negative buffer", config: DeviceConfig{InputBuffer: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateDeviceConfig(tt.config); (err != nil) != tt.wantErr {
				t.Errorf("ValidateDeviceConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
