package repositories

import (
	"context"

	"github.com/satriahrh/voxloop/domain/entities"
)

// SpeechToTextModel is a locally hosted transcription model. It is driven by
// a single worker goroutine and need not be safe for concurrent use.
type SpeechToTextModel interface {
	// Load initialises the model from its cached asset blob
	Load(ctx context.Context, asset []byte) error
	// Transcribe converts one audio chunk into text
	Transcribe(ctx context.Context, chunk entities.AudioChunk) (entities.TranscriptFragment, error)
	Close() error
}
