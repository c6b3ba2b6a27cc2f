package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxloop/adapters/llm"
	"github.com/satriahrh/voxloop/adapters/memory"
	"github.com/satriahrh/voxloop/adapters/stt"
	"github.com/satriahrh/voxloop/adapters/tts"
	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
	"github.com/satriahrh/voxloop/internal/assets"
	"github.com/satriahrh/voxloop/internal/inference"
	"github.com/satriahrh/voxloop/internal/latency"
	"github.com/satriahrh/voxloop/internal/observe"
	"github.com/satriahrh/voxloop/internal/synthesis"
	"github.com/satriahrh/voxloop/internal/transcription"
	"github.com/satriahrh/voxloop/usecase"
)

type testStream struct {
	frames chan []int16
	closed chan struct{}
}

func (s *testStream) Read(ctx context.Context) ([]int16, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *testStream) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

type testDevice struct {
	stream *testStream
}

func (d *testDevice) RequestStream(ctx context.Context, c entities.CaptureConstraints) (repositories.InputStream, error) {
	return d.stream, nil
}

type instantPlayback struct {
	played chan entities.AudioBuffer
}

func (p *instantPlayback) Play(buf entities.AudioBuffer) <-chan error {
	p.played <- buf
	done := make(chan error, 1)
	done <- nil
	close(done)
	return done
}

func (p *instantPlayback) Stop() {}

var (
	sttKey = entities.AssetKey{ID: "stt-model", Version: "1"}
	ttsKey = entities.AssetKey{ID: "tts-voice", Version: "1"}
)

func newTestCache(t *testing.T, populated bool) *assets.Cache {
	t.Helper()
	cache, err := assets.NewCache(assets.CacheConfig{
		Store:   memory.NewAssetStore(),
		Fetcher: assets.NewHTTPFetcher(nil, zaptest.NewLogger(t)),
		Probe:   assets.StaticProbe(false),
		Manifest: assets.Manifest{
			Version: "1",
			Assets: []assets.Asset{
				{ID: sttKey.ID, Version: sttKey.Version, URL: "http://assets/stt", Required: true},
				{ID: ttsKey.ID, Version: ttsKey.Version, URL: "http://assets/tts", Required: true},
			},
		},
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	if populated {
		ctx := context.Background()
		if err := cache.Put(ctx, sttKey, []byte(`["hel", "lo wor", "ld."]`)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := cache.Put(ctx, ttsKey, []byte("voice")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	return cache
}

func newTestFactory(t *testing.T, cache *assets.Cache, sinks ...observe.Sink) *Factory {
	t.Helper()
	logger := zaptest.NewLogger(t)
	client, err := inference.NewClient(llm.NewMockCompletion(), inference.Config{MaxAttempts: 1}, nil, logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	factory, err := NewFactory(Dependencies{
		SpeechToText: func() repositories.SpeechToTextModel { return stt.NewMockSpeechToText(logger) },
		TextToSpeech: func() repositories.TextToSpeechModel { return tts.NewMockTextToSpeech(0, logger) },
		Inference:    client,
		Assets:       cache,
		Tracker:      latency.NewTracker(clock.New(), 10, logger),
		Sinks:        sinks,
	}, Config{
		ChunkDuration: 100 * time.Millisecond,
		Transcription: transcription.Config{ModelAsset: sttKey},
		Synthesis:     synthesis.Config{VoiceAsset: ttsKey},
	}, logger)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	return factory
}

func loudFrame() []int16 {
	samples := make([]int16, 1600)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 8000
		} else {
			samples[i] = -8000
		}
	}
	return samples
}

func TestFactory_SessionEndToEnd(t *testing.T) {
	var recorded []observe.Event
	sink := observe.SinkFunc(func(e observe.Event) { recorded = append(recorded, e) })

	factory := newTestFactory(t, newTestCache(t, true), sink)
	stream := &testStream{frames: make(chan []int16, 8), closed: make(chan struct{})}
	playback := &instantPlayback{played: make(chan entities.AudioBuffer, 1)}

	session, err := factory.NewPipeline("device-1", &testDevice{stream: stream}, playback)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- session.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, err := session.Start(ctx)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrNotReady) || time.Now().After(deadline) {
			t.Fatalf("Start failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		stream.frames <- loudFrame()
	}
	// Let capture cut the chunks before ending the utterance.
	time.Sleep(50 * time.Millisecond)
	if err := session.Finalize(ctx); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	select {
	case report := <-session.Reports():
		if report.Outcome != latency.OutcomeCompleted {
			t.Fatalf("Expected completed, got %s (%v)", report.Outcome, report.Err)
		}
		if report.Transcript != "hello world." {
			t.Errorf("Expected transcript %q, got %q", "hello world.", report.Transcript)
		}
		if report.Reply != "You said: hello world." {
			t.Errorf("Unexpected reply %q", report.Reply)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for report")
	}

	select {
	case buf := <-playback.played:
		if buf.IsEmpty() {
			t.Error("Expected synthesized audio")
		}
	default:
		t.Error("Expected playback")
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Errorf("Run returned %v", err)
	}

	var terminal int
	for _, e := range recorded {
		if e.IsTerminal() {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("Expected shared sinks to see 1 terminal event, got %d", terminal)
	}
}

func TestFactory_StartRejectedWithoutAssets(t *testing.T) {
	factory := newTestFactory(t, newTestCache(t, false))
	session, err := factory.NewPipeline("device-1", &testDevice{}, &instantPlayback{})
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	if _, err := session.Start(ctx); !errors.Is(err, domain.ErrAssetsNotReady) {
		t.Errorf("Expected ErrAssetsNotReady, got %v", err)
	}
}

type stubWorker struct {
	ready chan struct{}
	err   error
}

func (w *stubWorker) Ready() <-chan struct{} { return w.ready }
func (w *stubWorker) Err() error             { return w.err }

type gateFunc func(ctx context.Context) error

func (f gateFunc) CheckReady(ctx context.Context) error { return f(ctx) }

func TestReadiness(t *testing.T) {
	loaded := make(chan struct{})
	close(loaded)
	pending := make(chan struct{})
	loadErr := errors.New("model load failed")

	tests := []struct {
		name    string
		assets  error
		workers []worker
		want    error
	}{
		{name: "ready", workers: []worker{&stubWorker{ready: loaded}}},
		{name: "assets missing", assets: domain.ErrAssetsNotReady, workers: []worker{&stubWorker{ready: loaded}}, want: domain.ErrAssetsNotReady},
		{name: "still loading", workers: []worker{&stubWorker{ready: loaded}, &stubWorker{ready: pending}}, want: domain.ErrNotReady},
		{name: "load failed", workers: []worker{&stubWorker{ready: loaded, err: loadErr}}, want: loadErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &readiness{
				assets:  gateFunc(func(context.Context) error { return tt.assets }),
				workers: tt.workers,
			}
			if err := r.CheckReady(context.Background()); !errors.Is(err, tt.want) {
				t.Errorf("CheckReady() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	valid := Config{
		Transcription: transcription.Config{ModelAsset: sttKey},
		Synthesis:     synthesis.Config{VoiceAsset: ttsKey},
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing model", mutate: func(c *Config) { c.Transcription.ModelAsset = entities.AssetKey{} }, wantErr: true},
		{name: "missing voice", mutate: func(c *Config) { c.Synthesis.VoiceAsset = entities.AssetKey{} }, wantErr: true},
		{name: "negative chunk", mutate: func(c *Config) { c.ChunkDuration = -time.Second }, wantErr: true},
		{name: "bad coordinator", mutate: func(c *Config) { c.Coordinator = usecase.CoordinatorConfig{SilenceThreshold: 2} }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid
			tt.mutate(&config)
			if err := ValidateConfig(config); (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
