package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
	"github.com/satriahrh/voxloop/internal/inference"
	"github.com/satriahrh/voxloop/internal/latency"
	"github.com/satriahrh/voxloop/internal/observe"
	"github.com/satriahrh/voxloop/internal/synthesis"
	"github.com/satriahrh/voxloop/internal/transcription"
)

const (
	defaultSilenceTimeout   = 1500 * time.Millisecond
	defaultSilenceThreshold = 0.02
	defaultMaxCapture       = 30 * time.Second
	defaultReportBuffer     = 16

	// levelInterval caps how often capture levels are published.
	levelInterval = 50 * time.Millisecond
)

// ErrNotCapturing is returned by Finalize when no capture is running
var ErrNotCapturing = errors.New("pipeline: not capturing")

// AudioCapture is the microphone side of the pipeline
type AudioCapture interface {
	Start(ctx context.Context, constraints entities.CaptureConstraints) (<-chan entities.AudioChunk, error)
	Stop() ([]entities.AudioChunk, error)
}

// Transcriber turns chunks into ordered fragments off the coordinating goroutine
type Transcriber interface {
	Submit(id uuid.UUID, chunk entities.AudioChunk) error
	Enqueue(ctx context.Context, id uuid.UUID, chunk entities.AudioChunk) error
	Finalize(ctx context.Context, id uuid.UUID) error
	Cancel(id uuid.UUID)
	Results() <-chan transcription.Result
}

// Synthesizer renders reply text to audio off the coordinating goroutine
type Synthesizer interface {
	Synthesize(ctx context.Context, id uuid.UUID, text string) <-chan synthesis.Result
	Cancel(id uuid.UUID)
}

// Responder produces the reply to a finalized transcript
type Responder interface {
	Complete(ctx context.Context, transcript string, turns []entities.ConversationTurn) (*inference.Response, error)
}

// AssetGate decides whether the pipeline may start offline
type AssetGate interface {
	CheckReady(ctx context.Context) error
}

// CoordinatorConfig holds the coordinator settings. Zero values are replaced by defaults.
type CoordinatorConfig struct {
	Constraints      entities.CaptureConstraints `yaml:"constraints"`
	SilenceTimeout   time.Duration               `yaml:"silence_timeout"`
	SilenceThreshold float64                     `yaml:"silence_threshold"`
	MaxCapture       time.Duration               `yaml:"max_capture"`
	// FallbackCue is a cached PCM16 16kHz clip played when synthesis fails
	FallbackCue  entities.AssetKey `yaml:"fallback_cue"`
	ReportBuffer int               `yaml:"report_buffer"`
}

// ValidateCoordinatorConfig validates the CoordinatorConfig
func ValidateCoordinatorConfig(config CoordinatorConfig) error {
	if config.SilenceTimeout < 0 {
		return fmt.Errorf("silence timeout must not be negative, got %v", config.SilenceTimeout)
	}
	if config.MaxCapture < 0 {
		return fmt.Errorf("max capture must not be negative, got %v", config.MaxCapture)
	}
	if config.SilenceThreshold < 0 || config.SilenceThreshold > 1 {
		return fmt.Errorf("silence threshold must be between 0 and 1, got %f", config.SilenceThreshold)
	}
	if config.MaxCapture != 0 && config.SilenceTimeout > config.MaxCapture {
		return fmt.Errorf("silence timeout %v exceeds max capture %v", config.SilenceTimeout, config.MaxCapture)
	}
	return nil
}

// Dependencies are the collaborators a Coordinator drives. Gate and Cues are optional.
type Dependencies struct {
	Capture     AudioCapture
	Transcriber Transcriber
	Synthesizer Synthesizer
	Inference   Responder
	Playback    repositories.PlaybackSink
	Gate        AssetGate
	Cues        repositories.AssetSource
	Tracker     *latency.Tracker
	Events      *observe.Bus
	History     *History
	Clock       clock.Clock
}

type commandKind int

const (
	commandStart commandKind = iota
	commandFinalize
	commandCancel
)

type command struct {
	kind  commandKind
	ctx   context.Context
	reply chan commandReply
}

type commandReply struct {
	id  uuid.UUID
	err error
}

type deliveryResult struct {
	id    uuid.UUID
	final bool
	err   error
}

type inferenceResult struct {
	id   uuid.UUID
	resp *inference.Response
	err  error
}

// utteranceRun is the in-flight state of the current utterance. Only the Run
// goroutine touches it.
type utteranceRun struct {
	utt    *entities.Utterance
	ctx    context.Context
	cancel context.CancelFunc

	capturing  bool
	chunks     <-chan entities.AudioChunk
	silence    *clock.Timer
	maxCapture *clock.Timer

	delivering  bool
	tail        []entities.AudioChunk
	finalQueued bool

	stageStarted time.Time
	reply        string
	empty        bool
	degraded     bool

	synth    <-chan synthesis.Result
	playback <-chan error

	levelAt time.Time
}

// Coordinator runs one utterance at a time through capture, transcription,
// inference, synthesis and playback. All pipeline state is owned by the Run
// goroutine; the public methods send it commands.
type Coordinator struct {
	deps   Dependencies
	config CoordinatorConfig
	clock  clock.Clock
	logger *zap.Logger

	commands      chan command
	delivered     chan deliveryResult
	inferenceDone chan inferenceResult
	reports       chan Report
	stopped       chan struct{}

	running atomic.Bool
	state   atomic.Value

	current *utteranceRun
}

// NewCoordinator creates a pipeline coordinator. Run must be called to serve it.
func NewCoordinator(deps Dependencies, config CoordinatorConfig, logger *zap.Logger) (*Coordinator, error) {
	switch {
	case deps.Capture == nil:
		return nil, errors.New("capture unit is required")
	case deps.Transcriber == nil:
		return nil, errors.New("transcriber is required")
	case deps.Synthesizer == nil:
		return nil, errors.New("synthesizer is required")
	case deps.Inference == nil:
		return nil, errors.New("inference client is required")
	case deps.Playback == nil:
		return nil, errors.New("playback sink is required")
	case deps.Tracker == nil:
		return nil, errors.New("latency tracker is required")
	}
	if err := ValidateCoordinatorConfig(config); err != nil {
		return nil, err
	}

	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.History == nil {
		deps.History = NewHistory(0)
	}
	if config.Constraints == (entities.CaptureConstraints{}) {
		config.Constraints = entities.DefaultCaptureConstraints()
	}
	if config.SilenceTimeout == 0 {
		config.SilenceTimeout = defaultSilenceTimeout
		logger.Info("Using default silence timeout", zap.Duration("silenceTimeout", config.SilenceTimeout))
	}
	if config.SilenceThreshold == 0 {
		config.SilenceThreshold = defaultSilenceThreshold
		logger.Info("Using default silence threshold", zap.Float64("silenceThreshold", config.SilenceThreshold))
	}
	if config.MaxCapture == 0 {
		config.MaxCapture = defaultMaxCapture
		logger.Info("Using default max capture", zap.Duration("maxCapture", config.MaxCapture))
	}
	if config.ReportBuffer <= 0 {
		config.ReportBuffer = defaultReportBuffer
	}

	c := &Coordinator{
		deps:          deps,
		config:        config,
		clock:         deps.Clock,
		logger:        logger,
		commands:      make(chan command),
		delivered:     make(chan deliveryResult),
		inferenceDone: make(chan inferenceResult),
		reports:       make(chan Report, config.ReportBuffer),
		stopped:       make(chan struct{}),
	}
	c.state.Store(StateIdle)
	return c, nil
}

// Start begins a new utterance and returns its id. Pre-flight failures are
// returned before any utterance exists. While Playing, Start barges in: the
// current utterance is cancelled and the new one starts capturing.
func (c *Coordinator) Start(ctx context.Context) (uuid.UUID, error) {
	r, err := c.send(ctx, commandStart)
	if err != nil {
		return uuid.Nil, err
	}
	return r.id, r.err
}

// Finalize ends capture and lets the utterance run to completion
func (c *Coordinator) Finalize(ctx context.Context) error {
	r, err := c.send(ctx, commandFinalize)
	if err != nil {
		return err
	}
	return r.err
}

// Cancel tears down the current utterance, if any, and returns to Idle
func (c *Coordinator) Cancel(ctx context.Context) error {
	r, err := c.send(ctx, commandCancel)
	if err != nil {
		return err
	}
	return r.err
}

// State returns the current coordinator state
func (c *Coordinator) State() State {
	return c.state.Load().(State)
}

// Reports delivers one Report per finished utterance. Reports are dropped
// when the consumer falls more than the buffer behind.
func (c *Coordinator) Reports() <-chan Report {
	return c.reports
}

// History returns the conversation history fed to inference
func (c *Coordinator) History() *History {
	return c.deps.History
}

func (c *Coordinator) send(ctx context.Context, kind commandKind) (commandReply, error) {
	cmd := command{kind: kind, ctx: ctx, reply: make(chan commandReply, 1)}

	select {
	case c.commands <- cmd:
	case <-c.stopped:
		return commandReply{}, domain.ErrPipelineStopped
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	}

	select {
	case r := <-cmd.reply:
		return r, nil
	case <-c.stopped:
		select {
		case r := <-cmd.reply:
			return r, nil
		default:
			return commandReply{}, domain.ErrPipelineStopped
		}
	}
}

// Run serves commands and pipeline results until ctx is done. An utterance
// still in flight at that point is reported as cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("coordinator already running")
	}
	defer close(c.stopped)

	c.logger.Info("Pipeline coordinator started")
	results := c.deps.Transcriber.Results()

	for {
		var (
			chunks    <-chan entities.AudioChunk
			silenceC  <-chan time.Time
			maxC      <-chan time.Time
			synthC    <-chan synthesis.Result
			playbackC <-chan error
		)
		if u := c.current; u != nil {
			// A chunk waiting for queue space pauses capture reads.
			if !u.delivering {
				chunks = u.chunks
			}
			if u.silence != nil {
				silenceC = u.silence.C
			}
			if u.maxCapture != nil {
				maxC = u.maxCapture.C
			}
			synthC = u.synth
			playbackC = u.playback
		}

		select {
		case <-ctx.Done():
			if c.current != nil {
				c.finish(latency.OutcomeCancelled, c.State().stage(), nil)
			}
			c.logger.Info("Pipeline coordinator stopped")
			return nil

		case cmd := <-c.commands:
			c.handle(ctx, cmd)

		case chunk, ok := <-chunks:
			c.onChunk(chunk, ok)

		case <-silenceC:
			c.logger.Debug("Silence timeout reached")
			c.finalize("silence")

		case <-maxC:
			c.logger.Info("Max capture duration reached", zap.Duration("maxCapture", c.config.MaxCapture))
			c.finalize("max_capture")

		case d := <-c.delivered:
			c.onDelivered(d)

		case r := <-results:
			c.onFragment(r)

		case r := <-c.inferenceDone:
			c.onReply(r)

		case r := <-synthC:
			c.onAudio(r)

		case err := <-playbackC:
			c.onPlayed(err)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, cmd command) {
	var r commandReply
	switch cmd.kind {
	case commandStart:
		r.id, r.err = c.start(ctx, cmd.ctx)
	case commandFinalize:
		if c.current == nil || !c.current.capturing {
			r.err = ErrNotCapturing
		} else {
			c.finalize("requested")
		}
	case commandCancel:
		if c.current != nil {
			c.logger.Info("Utterance cancelled", zap.String("utteranceID", c.current.utt.ID.String()))
			c.finish(latency.OutcomeCancelled, c.State().stage(), nil)
		}
	}
	cmd.reply <- r
}

func (c *Coordinator) start(runCtx, callCtx context.Context) (uuid.UUID, error) {
	state := c.State()
	if state.Active() && state != StatePlaying {
		return uuid.Nil, domain.ErrUtteranceActive
	}

	if c.deps.Gate != nil {
		if err := c.deps.Gate.CheckReady(callCtx); err != nil {
			c.logger.Warn("Asset gate rejected start", zap.Error(err))
			return uuid.Nil, err
		}
	}

	uctx, cancel := context.WithCancel(runCtx)
	chunks, err := c.deps.Capture.Start(uctx, c.config.Constraints)
	if err != nil {
		cancel()
		c.logger.Warn("Capture failed to start", zap.Error(err))
		return uuid.Nil, err
	}

	if state == StatePlaying {
		c.logger.Info("Barge-in, interrupting playback",
			zap.String("utteranceID", c.current.utt.ID.String()))
		c.finish(latency.OutcomeCancelled, domain.StagePlayback, nil)
	}

	utt := entities.NewUtterance(c.clock.Now())
	if err := c.deps.Tracker.Begin(utt.ID); err != nil {
		cancel()
		if _, stopErr := c.deps.Capture.Stop(); stopErr != nil {
			c.logger.Warn("Failed to stop capture", zap.Error(stopErr))
		}
		return uuid.Nil, err
	}

	c.current = &utteranceRun{
		utt:        utt,
		ctx:        uctx,
		cancel:     cancel,
		capturing:  true,
		chunks:     chunks,
		silence:    c.clock.Timer(c.config.SilenceTimeout),
		maxCapture: c.clock.Timer(c.config.MaxCapture),
	}
	c.emit(observe.Event{Kind: observe.KindUtteranceStarted})
	c.markStart(domain.StageCapture)
	c.setState(StateCapturing)

	c.logger.Info("Utterance started", zap.String("utteranceID", utt.ID.String()))
	return utt.ID, nil
}

func (c *Coordinator) onChunk(chunk entities.AudioChunk, ok bool) {
	u := c.current
	if !ok {
		u.chunks = nil
		return
	}

	if now := c.clock.Now(); u.levelAt.IsZero() || now.Sub(u.levelAt) >= levelInterval {
		u.levelAt = now
		c.emit(observe.Event{Kind: observe.KindLevel, Stage: domain.StageCapture, Level: chunk.Level})
	}

	if chunk.Level > c.config.SilenceThreshold {
		u.silence.Stop()
		u.silence = c.clock.Timer(c.config.SilenceTimeout)
	}

	err := c.deps.Transcriber.Submit(u.utt.ID, chunk)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrQueueFull):
		c.logger.Debug("Transcription queue full, pausing capture", zap.Int("chunk", chunk.Seq))
		c.emit(observe.Event{Kind: observe.KindQueueFull, Stage: domain.StageTranscription})
		c.deliver(u, []entities.AudioChunk{chunk}, false)
	default:
		c.fail(domain.StageTranscription, err)
	}
}

// deliver enqueues chunks in order on a separate goroutine, followed by the
// boundary marker when final is set.
func (c *Coordinator) deliver(u *utteranceRun, chunks []entities.AudioChunk, final bool) {
	u.delivering = true
	id, ctx := u.utt.ID, u.ctx
	t := c.deps.Transcriber

	go func() {
		var err error
		for _, chunk := range chunks {
			if err = t.Enqueue(ctx, id, chunk); err != nil {
				break
			}
		}
		if err == nil && final {
			err = t.Finalize(ctx, id)
		}
		select {
		case c.delivered <- deliveryResult{id: id, final: final, err: err}:
		case <-c.stopped:
		}
	}()
}

func (c *Coordinator) onDelivered(d deliveryResult) {
	u := c.current
	if u == nil || u.utt.ID != d.id {
		return
	}
	u.delivering = false

	if d.err != nil {
		if u.ctx.Err() != nil {
			return
		}
		c.fail(domain.StageTranscription, d.err)
		return
	}
	if u.finalQueued {
		u.finalQueued = false
		tail := u.tail
		u.tail = nil
		c.deliver(u, tail, true)
	}
}

func (c *Coordinator) finalize(reason string) {
	u := c.current
	if u == nil || !u.capturing {
		return
	}
	c.stopTimers(u)
	u.capturing = false
	u.chunks = nil

	leftovers, err := c.deps.Capture.Stop()
	if err != nil {
		c.logger.Warn("Capture stream closed with error", zap.Error(err))
	}

	u.utt.BeginTranscribing()
	c.markEnd(domain.StageCapture, 0)
	c.markStart(domain.StageTranscription)
	c.setState(StateTranscribing)

	if u.delivering {
		u.tail = leftovers
		u.finalQueued = true
	} else {
		c.deliver(u, leftovers, true)
	}

	c.logger.Info("Capture finalized",
		zap.String("utteranceID", u.utt.ID.String()),
		zap.String("reason", reason),
		zap.Int("leftoverChunks", len(leftovers)))
}

func (c *Coordinator) onFragment(r transcription.Result) {
	u := c.current
	if u == nil || u.utt.ID != r.UtteranceID {
		c.logger.Debug("Discarding transcription result for inactive utterance",
			zap.String("utteranceID", r.UtteranceID.String()))
		return
	}
	if state := c.State(); state != StateCapturing && state != StateTranscribing {
		return
	}

	if r.Err != nil {
		c.fail(domain.StageTranscription, r.Err)
		return
	}
	if err := u.utt.AddFragment(r.Fragment); err != nil {
		c.fail(domain.StageTranscription, err)
		return
	}
	if r.Fragment.Text != "" {
		c.emit(observe.Event{Kind: observe.KindFragment, Stage: domain.StageTranscription, Text: u.utt.PartialTranscript()})
	}
	if !r.Fragment.IsFinal {
		return
	}

	transcript, err := u.utt.Finalize()
	if err != nil {
		c.fail(domain.StageTranscription, err)
		return
	}
	c.markEnd(domain.StageTranscription, 0)

	if transcript == "" {
		c.logger.Info("Empty transcript, skipping inference", zap.String("utteranceID", u.utt.ID.String()))
		u.empty = true
		c.finish(latency.OutcomeCompleted, "", nil)
		return
	}

	c.markStart(domain.StageInference)
	c.setState(StateAwaitingInference)

	id, ctx := u.utt.ID, u.ctx
	turns := c.deps.History.Turns()
	go func() {
		resp, err := c.deps.Inference.Complete(ctx, transcript, turns)
		select {
		case c.inferenceDone <- inferenceResult{id: id, resp: resp, err: err}:
		case <-c.stopped:
		}
	}()
}

func (c *Coordinator) onReply(r inferenceResult) {
	u := c.current
	if u == nil || u.utt.ID != r.id || c.State() != StateAwaitingInference {
		return
	}
	if r.err != nil {
		if u.ctx.Err() != nil {
			return
		}
		c.fail(domain.StageInference, r.err)
		return
	}

	u.reply = r.resp.Text
	c.deps.History.AppendExchange(u.utt.ID, u.utt.Transcript, r.resp.Text, c.clock.Now())
	c.markEnd(domain.StageInference, r.resp.Attempts)

	c.markStart(domain.StageSynthesis)
	c.setState(StateSynthesizing)
	u.synth = c.deps.Synthesizer.Synthesize(u.ctx, u.utt.ID, u.reply)
}

func (c *Coordinator) onAudio(r synthesis.Result) {
	u := c.current
	u.synth = nil

	audio := r.Audio
	if r.Err != nil {
		cue, ok := c.fallbackCue(u.ctx)
		if !ok {
			c.fail(domain.StageSynthesis, r.Err)
			return
		}
		c.logger.Warn("Synthesis failed, playing fallback cue",
			zap.String("utteranceID", u.utt.ID.String()),
			zap.Error(r.Err))
		c.emit(observe.Event{Kind: observe.KindFallback, Stage: domain.StageSynthesis, Err: r.Err.Error()})
		audio = cue
		u.degraded = true
	}

	c.markEnd(domain.StageSynthesis, 0)
	c.markStart(domain.StagePlayback)
	c.setState(StatePlaying)
	u.playback = c.deps.Playback.Play(audio)
}

func (c *Coordinator) onPlayed(err error) {
	u := c.current
	u.playback = nil

	switch {
	case err == nil:
		c.markEnd(domain.StagePlayback, 0)
		c.finish(latency.OutcomeCompleted, "", nil)
	case errors.Is(err, domain.ErrPlaybackInterrupted):
		c.finish(latency.OutcomeCancelled, domain.StagePlayback, nil)
	default:
		c.fail(domain.StagePlayback, err)
	}
}

func (c *Coordinator) fallbackCue(ctx context.Context) (entities.AudioBuffer, bool) {
	if c.deps.Cues == nil || c.config.FallbackCue.ID == "" {
		return entities.AudioBuffer{}, false
	}
	blob, err := c.deps.Cues.Fetch(ctx, c.config.FallbackCue)
	if err != nil {
		c.logger.Warn("Fallback cue unavailable", zap.String("asset", c.config.FallbackCue.String()), zap.Error(err))
		return entities.AudioBuffer{}, false
	}
	pcm := blob[:len(blob)&^1]
	if len(pcm) == 0 {
		return entities.AudioBuffer{}, false
	}
	return entities.AudioBuffer{PCM: pcm, SampleRate: entities.DefaultSampleRate}, true
}

func (c *Coordinator) fail(stage domain.Stage, err error) {
	u := c.current
	stageErr := &domain.StageError{Stage: stage, UtteranceID: u.utt.ID, Err: err}

	c.setState(StateFailed)
	c.logger.Error("Utterance failed",
		zap.String("utteranceID", u.utt.ID.String()),
		zap.String("stage", string(stage)),
		zap.Error(err))
	c.emit(observe.Event{Kind: observe.KindStageFailed, Stage: stage, Err: err.Error()})
	c.finish(latency.OutcomeFailed, stage, stageErr)
}

// finish releases everything the current utterance holds and publishes its
// outcome. It runs exactly once per utterance.
func (c *Coordinator) finish(outcome latency.Outcome, stage domain.Stage, err error) {
	u := c.current
	if u == nil {
		return
	}
	c.current = nil
	id := u.utt.ID

	c.stopTimers(u)
	if u.capturing {
		if _, stopErr := c.deps.Capture.Stop(); stopErr != nil {
			c.logger.Warn("Failed to stop capture", zap.Error(stopErr))
		}
	}
	if outcome != latency.OutcomeCompleted {
		c.deps.Transcriber.Cancel(id)
		if u.synth != nil {
			c.deps.Synthesizer.Cancel(id)
		}
	}
	if u.playback != nil {
		c.deps.Playback.Stop()
	}
	u.cancel()

	if outcome == latency.OutcomeFailed {
		u.utt.Fail()
	}

	summary, trackErr := c.deps.Tracker.Complete(id, outcome)
	if trackErr != nil {
		c.logger.Warn("Failed to complete latency record", zap.String("utteranceID", id.String()), zap.Error(trackErr))
	}

	report := Report{
		UtteranceID: id,
		Outcome:     outcome,
		Stage:       stage,
		Err:         err,
		Transcript:  u.utt.PartialTranscript(),
		Reply:       u.reply,
		Empty:       u.empty,
		Degraded:    u.degraded,
		Latency:     summary,
	}

	event := observe.Event{
		UtteranceID: id,
		Stage:       stage,
		Kind:        terminalKind(outcome),
		Outcome:     outcome,
		Duration:    summary.Total,
		Text:        report.Transcript,
	}
	if err != nil {
		event.Err = err.Error()
	}
	c.emit(event)

	select {
	case c.reports <- report:
	default:
		c.logger.Warn("Report channel full, dropping report", zap.String("utteranceID", id.String()))
	}

	c.setState(StateIdle)
}

func terminalKind(outcome latency.Outcome) observe.Kind {
	switch outcome {
	case latency.OutcomeFailed:
		return observe.KindUtteranceFailed
	case latency.OutcomeCancelled:
		return observe.KindUtteranceCancelled
	default:
		return observe.KindUtteranceCompleted
	}
}

func (c *Coordinator) stopTimers(u *utteranceRun) {
	if u.silence != nil {
		u.silence.Stop()
		u.silence = nil
	}
	if u.maxCapture != nil {
		u.maxCapture.Stop()
		u.maxCapture = nil
	}
}

func (c *Coordinator) markStart(stage domain.Stage) {
	u := c.current
	now := c.clock.Now()
	u.stageStarted = now
	if err := c.deps.Tracker.MarkAt(u.utt.ID, stage, latency.Start, now); err != nil {
		c.logger.Warn("Invalid latency mark", zap.String("stage", string(stage)), zap.Error(err))
	}
	c.emit(observe.Event{Kind: observe.KindStageStarted, Stage: stage})
}

func (c *Coordinator) markEnd(stage domain.Stage, attempts int) {
	u := c.current
	now := c.clock.Now()
	if err := c.deps.Tracker.MarkAt(u.utt.ID, stage, latency.End, now); err != nil {
		c.logger.Warn("Invalid latency mark", zap.String("stage", string(stage)), zap.Error(err))
	}
	c.emit(observe.Event{
		Kind:     observe.KindStageCompleted,
		Stage:    stage,
		Duration: now.Sub(u.stageStarted),
		Attempts: attempts,
	})
}

func (c *Coordinator) emit(e observe.Event) {
	if c.deps.Events == nil {
		return
	}
	if e.UtteranceID == uuid.Nil && c.current != nil {
		e.UtteranceID = c.current.utt.ID
	}
	e.Timestamp = c.clock.Now()
	c.deps.Events.Emit(e)
}

func (c *Coordinator) setState(s State) {
	prev := c.State()
	c.state.Store(s)
	if prev != s {
		c.logger.Debug("Pipeline state changed", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}
