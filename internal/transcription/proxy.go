package transcription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

const (
	defaultQueueSize = 32
	// cancelledHistory bounds how many cancelled utterance ids are remembered
	cancelledHistory = 16
)

// Config holds the transcription proxy settings
type Config struct {
	QueueSize  int               `yaml:"queue_size"`
	ModelAsset entities.AssetKey `yaml:"model_asset"`
}

// Result is one fragment, or the failure, for an utterance
type Result struct {
	UtteranceID uuid.UUID
	Fragment    entities.TranscriptFragment
	Err         error
}

type job struct {
	id       uuid.UUID
	chunk    entities.AudioChunk
	finalize bool
}

// Proxy runs a speech-to-text model on its own goroutine. Chunks go in
// through a bounded queue; fragments come out on Results in chunk order.
type Proxy struct {
	model  repositories.SpeechToTextModel
	assets repositories.AssetSource
	config Config
	logger *zap.Logger

	jobs    chan job
	results chan Result
	ready   chan struct{}
	stopCh  chan struct{}
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	loadErr   error

	mu        sync.Mutex
	cancelled []uuid.UUID

	// worker state
	current uuid.UUID
	nextSeq int
	held    *entities.TranscriptFragment
}

// NewProxy creates a transcription proxy. Start must be called to load the model.
func NewProxy(model repositories.SpeechToTextModel, assets repositories.AssetSource, config Config, logger *zap.Logger) *Proxy {
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
		logger.Info("Using default transcription queue size", zap.Int("queueSize", config.QueueSize))
	}
	return &Proxy{
		model:   model,
		assets:  assets,
		config:  config,
		logger:  logger,
		jobs:    make(chan job, config.QueueSize),
		results: make(chan Result, config.QueueSize),
		ready:   make(chan struct{}),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start loads the model in the background and then serves the queue
func (p *Proxy) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.worker(ctx)
	})
}

// Ready is closed once loading has finished, successfully or not
func (p *Proxy) Ready() <-chan struct{} {
	return p.ready
}

// Err returns the load failure, wrapping domain.ErrModelLoad. It is only
// meaningful after Ready is closed.
func (p *Proxy) Err() error {
	select {
	case <-p.ready:
		return p.loadErr
	default:
		return nil
	}
}

// Results delivers fragments tagged with their utterance id
func (p *Proxy) Results() <-chan Result {
	return p.results
}

// Submit queues a chunk without blocking. It returns domain.ErrQueueFull when
// the queue is at capacity.
func (p *Proxy) Submit(id uuid.UUID, chunk entities.AudioChunk) error {
	if err := p.accepting(); err != nil {
		return err
	}
	select {
	case p.jobs <- job{id: id, chunk: chunk}:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Enqueue queues a chunk, waiting for space
func (p *Proxy) Enqueue(ctx context.Context, id uuid.UUID, chunk entities.AudioChunk) error {
	return p.enqueue(ctx, job{id: id, chunk: chunk})
}

// Finalize queues the boundary marker behind every chunk already queued for id
func (p *Proxy) Finalize(ctx context.Context, id uuid.UUID) error {
	return p.enqueue(ctx, job{id: id, finalize: true})
}

func (p *Proxy) enqueue(ctx context.Context, j job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.accepting(); err != nil {
		return err
	}
	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return domain.ErrWorkerStopped
	}
}

func (p *Proxy) accepting() error {
	select {
	case <-p.stopCh:
		return domain.ErrWorkerStopped
	default:
	}
	select {
	case <-p.ready:
		return p.loadErr
	default:
		return domain.ErrNotReady
	}
}

// Cancel discards queued and future work for id
func (p *Proxy) Cancel(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.cancelled {
		if c == id {
			return
		}
	}
	p.cancelled = append(p.cancelled, id)
	if len(p.cancelled) > cancelledHistory {
		p.cancelled = p.cancelled[1:]
	}
}

func (p *Proxy) isCancelled(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.cancelled {
		if c == id {
			return true
		}
	}
	return false
}

// Stop terminates the worker and releases the model
func (p *Proxy) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.startOnce.Do(func() {
			// Never started: nothing to wait for.
			close(p.ready)
			close(p.done)
		})
		<-p.done
		if err := p.model.Close(); err != nil {
			p.logger.Warn("Failed to close speech model", zap.Error(err))
		}
		p.logger.Info("Transcription worker stopped")
	})
}

func (p *Proxy) load(ctx context.Context) error {
	blob, err := p.assets.Fetch(ctx, p.config.ModelAsset)
	if err != nil {
		return fmt.Errorf("%w: fetch %s: %v", domain.ErrModelLoad, p.config.ModelAsset, err)
	}
	if err := p.model.Load(ctx, blob); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrModelLoad, err)
	}
	return nil
}

func (p *Proxy) worker(ctx context.Context) {
	defer close(p.done)

	p.loadErr = p.load(ctx)
	close(p.ready)
	if p.loadErr != nil {
		p.logger.Error("Speech model failed to load", zap.Error(p.loadErr))
		return
	}
	p.logger.Info("Speech model ready", zap.String("asset", p.config.ModelAsset.String()))

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			p.handle(ctx, j)
		}
	}
}

func (p *Proxy) handle(ctx context.Context, j job) {
	// Stale work for a cancelled utterance must not disturb the live one.
	if p.isCancelled(j.id) {
		if j.id == p.current {
			p.current = uuid.Nil
			p.nextSeq = 0
			p.held = nil
		}
		return
	}

	if j.id != p.current {
		// Work for an earlier utterance that was never finalized is dropped.
		p.current = j.id
		p.nextSeq = 0
		p.held = nil
	}

	if j.finalize {
		fragment := entities.TranscriptFragment{Seq: p.nextSeq, ChunkStart: -1, ChunkEnd: -1}
		if p.held != nil {
			fragment = *p.held
		}
		fragment.IsFinal = true
		p.held = nil
		p.emit(Result{UtteranceID: j.id, Fragment: fragment})
		p.current = uuid.Nil
		return
	}

	fragment, err := p.transcribe(ctx, j.chunk)
	if err != nil {
		p.logger.Error("Transcription failed after model restart",
			zap.String("utteranceID", j.id.String()),
			zap.Int("chunk", j.chunk.Seq),
			zap.Error(err))
		p.held = nil
		p.Cancel(j.id)
		p.emit(Result{UtteranceID: j.id, Err: fmt.Errorf("%w: %v", domain.ErrTranscription, err)})
		return
	}

	if p.held != nil {
		p.emit(Result{UtteranceID: j.id, Fragment: *p.held})
	}
	fragment.Seq = p.nextSeq
	fragment.IsFinal = false
	p.nextSeq++
	p.held = &fragment
}

// transcribe runs the model once, restarting it after a failure and trying
// the chunk a second time.
func (p *Proxy) transcribe(ctx context.Context, chunk entities.AudioChunk) (entities.TranscriptFragment, error) {
	fragment, err := p.model.Transcribe(ctx, chunk)
	if err == nil {
		return fragment, nil
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return fragment, err
	}

	p.logger.Warn("Speech model failed, restarting", zap.Int("chunk", chunk.Seq), zap.Error(err))
	if closeErr := p.model.Close(); closeErr != nil {
		p.logger.Warn("Failed to close speech model", zap.Error(closeErr))
	}
	if loadErr := p.load(ctx); loadErr != nil {
		return fragment, fmt.Errorf("restart: %w", loadErr)
	}
	return p.model.Transcribe(ctx, chunk)
}

func (p *Proxy) emit(r Result) {
	if r.Err == nil && p.isCancelled(r.UtteranceID) {
		return
	}
	select {
	case p.results <- r:
	case <-p.stopCh:
	}
}
