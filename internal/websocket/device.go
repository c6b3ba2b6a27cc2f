package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

const (
	defaultPermissionTimeout = 5 * time.Second
	defaultPlaybackGrace     = 2 * time.Second
	defaultFrameBytes        = 3200 // 100ms of 16kHz PCM16
	defaultInputBuffer       = 256
)

var (
	_ repositories.CaptureDevice = (*Device)(nil)
	_ repositories.PlaybackSink  = (*Device)(nil)
)

var errClientClosed = errors.New("websocket: client closed")

// outbound is the write side of a client connection
type outbound interface {
	sendJSON(v interface{}) error
	sendBinary(data []byte) error
}

type permission int

const (
	permissionUnknown permission = iota
	permissionGranted
	permissionDenied
)

// DeviceConfig tunes how a remote client is driven as microphone and speaker
type DeviceConfig struct {
	PermissionTimeout time.Duration `yaml:"permission_timeout"`
	PlaybackGrace     time.Duration `yaml:"playback_grace"`
	FrameBytes        int           `yaml:"frame_bytes"`
	InputBuffer       int           `yaml:"input_buffer"`
}

// ValidateDeviceConfig validates the DeviceConfig
func ValidateDeviceConfig(config DeviceConfig) error {
	if config.PermissionTimeout < 0 || config.PlaybackGrace < 0 {
		return fmt.Errorf("device timeouts must not be negative")
	}
	if config.FrameBytes < 0 || config.FrameBytes%2 != 0 {
		return fmt.Errorf("frame bytes must be a non-negative even number, got %d", config.FrameBytes)
	}
	if config.InputBuffer < 0 {
		return fmt.Errorf("input buffer must not be negative, got %d", config.InputBuffer)
	}
	return nil
}

// Device exposes a connected client as the pipeline's capture device and
// playback sink. Microphone audio arrives as binary PCM16LE frames; reply
// audio is streamed back the same way between playback_start and
// playback_end, and the client acknowledges with playback_done.
type Device struct {
	out    outbound
	config DeviceConfig
	clk    clock.Clock
	logger *zap.Logger

	mu         sync.Mutex
	permission permission
	decided    chan struct{}
	stream     *inputStream
	playback   *playback

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDevice creates a device speaking to out
func NewDevice(out outbound, config DeviceConfig, clk clock.Clock, logger *zap.Logger) *Device {
	if config.PermissionTimeout == 0 {
		config.PermissionTimeout = defaultPermissionTimeout
	}
	if config.PlaybackGrace == 0 {
		config.PlaybackGrace = defaultPlaybackGrace
	}
	if config.FrameBytes == 0 {
		config.FrameBytes = defaultFrameBytes
	}
	if config.InputBuffer == 0 {
		config.InputBuffer = defaultInputBuffer
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Device{
		out:    out,
		config: config,
		clk:    clk,
		logger: logger,
		closed: make(chan struct{}),
	}
}

// RequestStream asks the client for microphone access when it has not been
// decided yet, then tells it to start streaming.
func (d *Device) RequestStream(ctx context.Context, constraints entities.CaptureConstraints) (repositories.InputStream, error) {
	if err := d.awaitPermission(ctx); err != nil {
		return nil, err
	}

	stream := &inputStream{
		device: d,
		frames: make(chan []int16, d.config.InputBuffer),
		done:   make(chan struct{}),
	}

	d.mu.Lock()
	previous := d.stream
	d.stream = stream
	d.mu.Unlock()
	if previous != nil {
		previous.close(false)
	}

	msg := &CaptureStartMessage{BaseMessage: newBase(MessageTypeCaptureStart), CaptureConstraints: constraints}
	if err := d.out.sendJSON(msg); err != nil {
		d.detach(stream)
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	return stream, nil
}

func (d *Device) awaitPermission(ctx context.Context) error {
	d.mu.Lock()
	switch d.permission {
	case permissionGranted:
		d.mu.Unlock()
		return nil
	case permissionDenied:
		d.mu.Unlock()
		return domain.ErrPermissionDenied
	}
	decided := d.decided
	ask := decided == nil
	if ask {
		decided = make(chan struct{})
		d.decided = decided
	}
	d.mu.Unlock()

	if ask {
		if err := d.out.sendJSON(&BaseMessage{Type: MessageTypePermissionRequest, Timestamp: d.clk.Now().Format(time.RFC3339)}); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
		}
	}

	timer := d.clk.Timer(d.config.PermissionTimeout)
	defer timer.Stop()

	select {
	case <-decided:
	case <-timer.C:
		return fmt.Errorf("%w: no permission answer within %v", domain.ErrDeviceUnavailable, d.config.PermissionTimeout)
	case <-d.closed:
		return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, errClientClosed)
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.permission == permissionDenied {
		return domain.ErrPermissionDenied
	}
	return nil
}

// SetPermission records the user's microphone decision
func (d *Device) SetPermission(granted bool, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if granted {
		d.permission = permissionGranted
	} else {
		d.permission = permissionDenied
		d.logger.Info("Microphone permission denied", zap.String("reason", reason))
	}
	if d.decided != nil {
		close(d.decided)
		d.decided = nil
	}
}

// PushFrame hands one binary microphone frame to the open stream. Frames
// that arrive without a stream or while the stream is full are dropped.
func (d *Device) PushFrame(data []byte) {
	d.mu.Lock()
	stream := d.stream
	d.mu.Unlock()

	if stream == nil {
		d.logger.Debug("Dropping audio frame without an open stream", zap.Int("bytes", len(data)))
		return
	}
	samples := entities.DecodePCM16(data)
	if len(samples) == 0 {
		return
	}
	select {
	case stream.frames <- samples:
	default:
		d.logger.Warn("Input buffer full, dropping audio frame", zap.Int("samples", len(samples)))
	}
}

func (d *Device) detach(s *inputStream) {
	d.mu.Lock()
	if d.stream == s {
		d.stream = nil
	}
	d.mu.Unlock()
}

// Play streams buf to the client and completes once the client reports the
// audio has been played out.
func (d *Device) Play(buf entities.AudioBuffer) <-chan error {
	pb := &playback{
		id:     uuid.NewString(),
		result: make(chan error, 1),
		acked:  make(chan struct{}),
		stop:   make(chan struct{}),
	}

	select {
	case <-d.closed:
		pb.finish(domain.ErrDeviceUnavailable)
		return pb.result
	default:
	}

	d.mu.Lock()
	previous := d.playback
	d.playback = pb
	d.mu.Unlock()
	if previous != nil {
		previous.interrupt()
	}

	go d.deliver(pb, buf)
	return pb.result
}

func (d *Device) deliver(pb *playback, buf entities.AudioBuffer) {
	defer d.release(pb)

	start := &PlaybackMessage{
		BaseMessage: newBase(MessageTypePlaybackStart),
		PlaybackID:  pb.id,
		SampleRate:  buf.SampleRate,
		Bytes:       len(buf.PCM),
		DurationMs:  buf.Duration().Milliseconds(),
	}
	if err := d.out.sendJSON(start); err != nil {
		pb.finish(fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err))
		return
	}

	for offset := 0; offset < len(buf.PCM); offset += d.config.FrameBytes {
		select {
		case <-pb.stop:
			d.sendStop(pb)
			pb.finish(domain.ErrPlaybackInterrupted)
			return
		default:
		}
		end := offset + d.config.FrameBytes
		if end > len(buf.PCM) {
			end = len(buf.PCM)
		}
		if err := d.out.sendBinary(buf.PCM[offset:end]); err != nil {
			pb.finish(fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err))
			return
		}
	}

	if err := d.out.sendJSON(&PlaybackMessage{BaseMessage: newBase(MessageTypePlaybackEnd), PlaybackID: pb.id}); err != nil {
		pb.finish(fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err))
		return
	}

	timer := d.clk.Timer(buf.Duration() + d.config.PlaybackGrace)
	defer timer.Stop()

	select {
	case <-pb.acked:
		pb.finish(nil)
	case <-timer.C:
		d.logger.Warn("No playback acknowledgement, assuming playback finished", zap.String("playbackID", pb.id))
		pb.finish(nil)
	case <-pb.stop:
		d.sendStop(pb)
		pb.finish(domain.ErrPlaybackInterrupted)
	case <-d.closed:
		pb.finish(domain.ErrDeviceUnavailable)
	}
}

func (d *Device) sendStop(pb *playback) {
	if err := d.out.sendJSON(&PlaybackMessage{BaseMessage: newBase(MessageTypePlaybackStop), PlaybackID: pb.id}); err != nil {
		d.logger.Debug("Failed to send playback stop", zap.Error(err))
	}
}

func (d *Device) release(pb *playback) {
	d.mu.Lock()
	if d.playback == pb {
		d.playback = nil
	}
	d.mu.Unlock()
}

// Stop interrupts the playback in progress
func (d *Device) Stop() {
	d.mu.Lock()
	pb := d.playback
	d.mu.Unlock()
	if pb != nil {
		pb.interrupt()
	}
}

// Acknowledge marks playback id as played out by the client
func (d *Device) Acknowledge(id string) {
	d.mu.Lock()
	pb := d.playback
	d.mu.Unlock()

	if pb == nil || pb.id != id {
		d.logger.Debug("Ignoring acknowledgement for unknown playback", zap.String("playbackID", id))
		return
	}
	pb.ackOnce.Do(func() { close(pb.acked) })
}

// Close releases a pending permission wait, the open stream and any
// playback. The device cannot be used afterwards.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.mu.Lock()
		stream := d.stream
		d.stream = nil
		d.mu.Unlock()
		if stream != nil {
			stream.close(false)
		}
	})
}

type playback struct {
	id     string
	result chan error

	acked   chan struct{}
	ackOnce sync.Once

	stop     chan struct{}
	stopOnce sync.Once

	finishOnce sync.Once
}

func (p *playback) interrupt() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *playback) finish(err error) {
	p.finishOnce.Do(func() {
		p.result <- err
		close(p.result)
	})
}

type inputStream struct {
	device *Device
	frames chan []int16
	done   chan struct{}
	once   sync.Once
}

// Read returns the next microphone frame. Frames already received are
// returned before io.EOF.
func (s *inputStream) Read(ctx context.Context) ([]int16, error) {
	select {
	case samples := <-s.frames:
		return samples, nil
	default:
	}

	select {
	case samples := <-s.frames:
		return samples, nil
	case <-s.done:
		select {
		case samples := <-s.frames:
			return samples, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tells the client to stop streaming
func (s *inputStream) Close() error {
	return s.close(true)
}

func (s *inputStream) close(notify bool) error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.device.detach(s)
		if notify {
			err = s.device.out.sendJSON(&BaseMessage{Type: MessageTypeCaptureStop, Timestamp: s.device.clk.Now().Format(time.RFC3339)})
			if errors.Is(err, errClientClosed) {
				err = nil
			}
		}
	})
	return err
}
