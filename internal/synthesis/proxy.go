package synthesis

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

const (
	defaultQueueSize       = 4
	defaultMaxSegmentChars = 200
)

// Config holds the synthesis proxy settings
type Config struct {
	QueueSize       int               `yaml:"queue_size"`
	MaxSegmentChars int               `yaml:"max_segment_chars"`
	VoiceAsset      entities.AssetKey `yaml:"voice_asset"`
}

// Result is the outcome of one synthesis job
type Result struct {
	UtteranceID uuid.UUID
	Audio       entities.AudioBuffer
	Segments    int
	Err         error
}

type job struct {
	ctx    context.Context
	id     uuid.UUID
	text   string
	result chan Result
}

// Proxy runs a text-to-speech model on its own goroutine. Jobs are processed
// one at a time in submission order.
type Proxy struct {
	model  repositories.TextToSpeechModel
	assets repositories.AssetSource
	config Config
	logger *zap.Logger

	jobs   chan job
	ready  chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	loadErr   error

	// mu also orders job sends against Stop, so a job is either drained
	// or rejected, never stranded.
	mu       sync.Mutex
	stopping bool
	inflight map[uuid.UUID]context.CancelFunc
}

// NewProxy creates a synthesis proxy. Start must be called to load the model.
func NewProxy(model repositories.TextToSpeechModel, assets repositories.AssetSource, config Config, logger *zap.Logger) *Proxy {
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
		logger.Info("Using default synthesis queue size", zap.Int("queueSize", config.QueueSize))
	}
	if config.MaxSegmentChars <= 0 {
		config.MaxSegmentChars = defaultMaxSegmentChars
		logger.Info("Using default segment length", zap.Int("maxSegmentChars", config.MaxSegmentChars))
	}
	return &Proxy{
		model:    model,
		assets:   assets,
		config:   config,
		logger:   logger,
		jobs:     make(chan job, config.QueueSize),
		ready:    make(chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		inflight: make(map[uuid.UUID]context.CancelFunc),
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

// Err returns the load failure, wrapping domain.ErrModelLoad
func (p *Proxy) Err() error {
	select {
	case <-p.ready:
		return p.loadErr
	default:
		return nil
	}
}

// Synthesize queues text for id and returns a future that receives exactly
// one Result.
func (p *Proxy) Synthesize(ctx context.Context, id uuid.UUID, text string) <-chan Result {
	result := make(chan Result, 1)

	if err := p.accepting(); err != nil {
		result <- Result{UtteranceID: id, Err: err}
		return result
	}

	jobCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping {
		cancel()
		result <- Result{UtteranceID: id, Err: domain.ErrWorkerStopped}
		return result
	}
	if prev, ok := p.inflight[id]; ok {
		prev()
	}
	p.inflight[id] = cancel

	select {
	case p.jobs <- job{ctx: jobCtx, id: id, text: text, result: result}:
	default:
		delete(p.inflight, id)
		cancel()
		result <- Result{UtteranceID: id, Err: domain.ErrQueueFull}
	}
	return result
}

// Cancel aborts the queued or running job for id
func (p *Proxy) Cancel(id uuid.UUID) {
	p.mu.Lock()
	cancel, ok := p.inflight[id]
	delete(p.inflight, id)
	p.mu.Unlock()
	if ok {
		cancel()
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

// Stop terminates the worker and releases the model. Queued jobs fail with
// domain.ErrWorkerStopped.
func (p *Proxy) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopping = true
		p.mu.Unlock()

		close(p.stopCh)
		p.startOnce.Do(func() {
			close(p.ready)
			close(p.done)
		})
		<-p.done

	drain:
		for {
			select {
			case j := <-p.jobs:
				j.result <- Result{UtteranceID: j.id, Err: domain.ErrWorkerStopped}
			default:
				break drain
			}
		}

		if err := p.model.Close(); err != nil {
			p.logger.Warn("Failed to close voice model", zap.Error(err))
		}
		p.logger.Info("Synthesis worker stopped")
	})
}

func (p *Proxy) worker(ctx context.Context) {
	defer close(p.done)

	p.loadErr = p.load(ctx)
	close(p.ready)
	if p.loadErr != nil {
		p.logger.Error("Voice model failed to load", zap.Error(p.loadErr))
		return
	}
	p.logger.Info("Voice model ready", zap.String("asset", p.config.VoiceAsset.String()))

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			j.result <- p.run(j)
			p.Cancel(j.id)
		}
	}
}

func (p *Proxy) load(ctx context.Context) error {
	blob, err := p.assets.Fetch(ctx, p.config.VoiceAsset)
	if err != nil {
		return fmt.Errorf("%w: fetch %s: %v", domain.ErrModelLoad, p.config.VoiceAsset, err)
	}
	if err := p.model.Load(ctx, blob); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrModelLoad, err)
	}
	return nil
}

func (p *Proxy) run(j job) Result {
	result := Result{UtteranceID: j.id}
	if err := j.ctx.Err(); err != nil {
		result.Err = err
		return result
	}

	segments := SplitText(j.text, p.config.MaxSegmentChars)
	if len(segments) == 0 {
		result.Err = fmt.Errorf("%w: nothing to synthesize", domain.ErrSynthesis)
		return result
	}

	var audio entities.AudioBuffer
	for i, segment := range segments {
		buf, err := p.model.Synthesize(j.ctx, segment)
		if ctxErr := j.ctx.Err(); ctxErr != nil {
			result.Err = ctxErr
			return result
		}
		if err != nil {
			p.logger.Error("Synthesis failed",
				zap.String("utteranceID", j.id.String()),
				zap.Int("segment", i),
				zap.Error(err))
			result.Err = fmt.Errorf("%w: segment %d: %v", domain.ErrSynthesis, i, err)
			return result
		}
		if audio, err = audio.Append(buf); err != nil {
			result.Err = fmt.Errorf("%w: %v", domain.ErrSynthesis, err)
			return result
		}
	}

	result.Audio = audio
	result.Segments = len(segments)
	p.logger.Debug("Synthesis complete",
		zap.String("utteranceID", j.id.String()),
		zap.Int("segments", len(segments)),
		zap.Duration("audio", audio.Duration()))
	return result
}
