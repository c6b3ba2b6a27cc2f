package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

const defaultChunkDuration = 200 * time.Millisecond

// Unit turns a device input stream into fixed-size audio chunks. One capture
// session is active at a time; a new session may start after Stop.
type Unit struct {
	device        repositories.CaptureDevice
	chunkDuration time.Duration
	clk           clock.Clock
	logger        *zap.Logger

	mu     sync.Mutex
	active *session

	level atomic.Uint64
}

type session struct {
	stream      repositories.InputStream
	chunkSize   int
	sampleRate  int
	chunks      chan entities.AudioChunk
	frames      chan []int16
	readerDone  chan struct{}
	stop        chan struct{}
	done        chan struct{}
	cancel      context.CancelFunc
	leftover    []entities.AudioChunk
	closeErr    error
	nextSeq     int
	buffer      []int16
	readerError error
}

// NewUnit creates a capture unit reading from device. A zero chunkDuration
// selects the 200ms default.
func NewUnit(device repositories.CaptureDevice, chunkDuration time.Duration, clk clock.Clock, logger *zap.Logger) *Unit {
	if chunkDuration <= 0 {
		chunkDuration = defaultChunkDuration
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Unit{
		device:        device,
		chunkDuration: chunkDuration,
		clk:           clk,
		logger:        logger,
	}
}

// Start opens the device stream and begins producing chunks on the returned
// channel. The channel is unbuffered: a consumer that stops reading pauses
// the device reader instead of losing audio. It is closed by Stop.
func (u *Unit) Start(ctx context.Context, constraints entities.CaptureConstraints) (<-chan entities.AudioChunk, error) {
	if err := constraints.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidAudio, err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.active != nil {
		return nil, domain.ErrCaptureActive
	}

	stream, err := u.device.RequestStream(ctx, constraints)
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) || errors.Is(err, domain.ErrDeviceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}

	chunkSize := int(int64(constraints.SampleRate) * int64(u.chunkDuration) / int64(time.Second))
	if chunkSize <= 0 {
		chunkSize = 1
	}

	readerCtx, cancel := context.WithCancel(ctx)
	s := &session{
		stream:     stream,
		chunkSize:  chunkSize,
		sampleRate: constraints.SampleRate,
		chunks:     make(chan entities.AudioChunk),
		frames:     make(chan []int16),
		readerDone: make(chan struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	u.active = s

	go u.read(readerCtx, s)
	go u.run(s)

	u.logger.Info("Capture started",
		zap.Int("sampleRate", constraints.SampleRate),
		zap.Duration("chunkDuration", u.chunkDuration))
	return s.chunks, nil
}

// Stop closes the device stream and returns every chunk that was captured but
// not yet delivered, including a final partial chunk, in sequence order.
func (u *Unit) Stop() ([]entities.AudioChunk, error) {
	u.mu.Lock()
	s := u.active
	u.active = nil
	u.mu.Unlock()

	if s == nil {
		return nil, nil
	}

	close(s.stop)
	<-s.done
	u.level.Store(0)

	u.logger.Info("Capture stopped", zap.Int("leftoverChunks", len(s.leftover)))
	return s.leftover, s.closeErr
}

// Active reports whether a capture session is running
func (u *Unit) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active != nil
}

// Level returns the RMS amplitude of the most recent frame in [0,1]
func (u *Unit) Level() float64 {
	return math.Float64frombits(u.level.Load())
}

func (u *Unit) read(ctx context.Context, s *session) {
	defer close(s.readerDone)
	for {
		if ctx.Err() != nil {
			return
		}
		samples, err := s.stream.Read(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.readerError = err
			}
			return
		}
		if len(samples) == 0 {
			continue
		}
		// A frame already read is always handed over; Stop drains it.
		s.frames <- samples
	}
}

func (u *Unit) run(s *session) {
	defer close(s.done)

	var pending []entities.AudioChunk
	readerDone := s.readerDone

	for {
		var (
			out  chan<- entities.AudioChunk
			next entities.AudioChunk
			in   <-chan []int16
		)
		if len(pending) > 0 {
			out = s.chunks
			next = pending[0]
		} else {
			in = s.frames
		}

		select {
		case <-s.stop:
			s.cancel()
			s.closeErr = s.stream.Close()
			for drained := false; !drained; {
				select {
				case samples := <-s.frames:
					pending = append(pending, u.accept(s, samples)...)
				case <-s.readerDone:
					drained = true
				}
			}
			if len(s.buffer) > 0 {
				pending = append(pending, u.cut(s, len(s.buffer)))
			}
			s.leftover = pending
			close(s.chunks)
			return

		case out <- next:
			pending = pending[1:]

		case samples := <-in:
			pending = append(pending, u.accept(s, samples)...)

		case <-readerDone:
			// The device ended; keep serving pending chunks until Stop.
			readerDone = nil
			if s.readerError != nil {
				u.logger.Warn("Capture stream failed", zap.Error(s.readerError))
			}
		}
	}
}

// accept buffers a frame and returns the complete chunks it produced
func (u *Unit) accept(s *session, samples []int16) []entities.AudioChunk {
	u.level.Store(math.Float64bits(entities.RMSLevel(samples)))
	s.buffer = append(s.buffer, samples...)

	var out []entities.AudioChunk
	for len(s.buffer) >= s.chunkSize {
		out = append(out, u.cut(s, s.chunkSize))
	}
	return out
}

func (u *Unit) cut(s *session, n int) entities.AudioChunk {
	samples := make([]int16, n)
	copy(samples, s.buffer[:n])
	s.buffer = append(s.buffer[:0], s.buffer[n:]...)

	chunk := entities.AudioChunk{
		Samples:    samples,
		SampleRate: s.sampleRate,
		Seq:        s.nextSeq,
		CapturedAt: u.clk.Now(),
		Level:      entities.RMSLevel(samples),
	}
	s.nextSeq++
	return chunk
}
