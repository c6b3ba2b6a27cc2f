package repositories

import (
	"context"

	"github.com/satriahrh/voxloop/domain/entities"
)

// CaptureDevice grants access to a microphone.
// RequestStream returns domain.ErrPermissionDenied or domain.ErrDeviceUnavailable
// when the stream cannot be opened.
type CaptureDevice interface {
	RequestStream(ctx context.Context, constraints entities.CaptureConstraints) (InputStream, error)
}

// InputStream delivers raw PCM16 frames until closed
type InputStream interface {
	// Read blocks until the next frame is available. It returns io.EOF once
	// the device stops producing audio and ctx.Err() when ctx is done.
	Read(ctx context.Context) ([]int16, error)
	Close() error
}

// PlaybackSink plays synthesized audio. The returned channel receives exactly
// one value (nil on completion) and is then closed.
type PlaybackSink interface {
	Play(buf entities.AudioBuffer) <-chan error
	// Stop interrupts the current playback. The pending Play channel then
	// receives domain.ErrPlaybackInterrupted or is left to complete.
	Stop()
}
