package repositories

import (
	"context"

	"github.com/satriahrh/voxloop/domain/entities"
)

// TextToSpeechModel is a locally hosted synthesis model. It is driven by a
// single worker goroutine and need not be safe for concurrent use.
type TextToSpeechModel interface {
	Load(ctx context.Context, asset []byte) error
	Synthesize(ctx context.Context, text string) (entities.AudioBuffer, error)
	Close() error
}
