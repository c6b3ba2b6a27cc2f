package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/voxloop/adapters/llm"
	"github.com/satriahrh/voxloop/adapters/memory"
	"github.com/satriahrh/voxloop/adapters/mongo"
	"github.com/satriahrh/voxloop/adapters/stt"
	"github.com/satriahrh/voxloop/adapters/tts"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
	"github.com/satriahrh/voxloop/internal/api"
	"github.com/satriahrh/voxloop/internal/assets"
	"github.com/satriahrh/voxloop/internal/auth"
	"github.com/satriahrh/voxloop/internal/config"
	"github.com/satriahrh/voxloop/internal/inference"
	"github.com/satriahrh/voxloop/internal/latency"
	"github.com/satriahrh/voxloop/internal/metrics"
	"github.com/satriahrh/voxloop/internal/observe"
	"github.com/satriahrh/voxloop/internal/pipeline"
	"github.com/satriahrh/voxloop/internal/websocket"
)

func main() {
	configPath := flag.String("config", os.Getenv("VOXLOOP_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
	logger.Info("Server exited")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	clk := clock.New()

	// Metrics
	var (
		registry *prometheus.Registry
		observer assets.PopulateObserver
		sinks    = []observe.Sink{observe.NewLogSink(logger.Named("pipeline"))}
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m := metrics.NewMetrics(registry)
		observer = m
		sinks = append(sinks, m)
	}

	// Offline asset cache
	store, closeStore, err := newAssetStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	manifest, err := assets.LoadManifest(cfg.Assets.ManifestPath)
	if err != nil {
		return err
	}

	var probe assets.Probe = assets.StaticProbe(false)
	if cfg.Assets.ProbeURL != "" {
		probe = assets.NewHTTPProbe(cfg.Assets.ProbeURL, cfg.Assets.ProbeTimeout)
	}

	cache, err := assets.NewCache(assets.CacheConfig{
		Store:       store,
		Fetcher:     assets.NewHTTPFetcher(nil, logger.Named("assets")),
		Probe:       probe,
		Clock:       clk,
		Manifest:    manifest,
		Concurrency: cfg.Assets.Concurrency,
	}, logger.Named("assets"))
	if err != nil {
		return err
	}

	refresher := assets.NewRefreshService(cache, cfg.Assets.RefreshInterval, observer, logger.Named("assets"))
	refresher.Start()
	defer refresher.Stop()

	// Model and completion providers
	speechToText, textToSpeech, err := newModels(cfg.Providers, logger)
	if err != nil {
		return err
	}

	completion, err := newCompletionService(ctx, cfg.Providers, logger)
	if err != nil {
		return err
	}

	inferenceClient, err := inference.NewClient(completion, cfg.Inference, clk, logger.Named("inference"))
	if err != nil {
		return err
	}

	tracker := latency.NewTracker(clk, cfg.Latency.HistorySize, logger.Named("latency"))

	factory, err := pipeline.NewFactory(pipeline.Dependencies{
		SpeechToText: speechToText,
		TextToSpeech: textToSpeech,
		Inference:    inferenceClient,
		Assets:       cache,
		Tracker:      tracker,
		Sinks:        sinks,
		Clock:        clk,
	}, cfg.Pipeline, logger)
	if err != nil {
		return err
	}

	// Devices and tokens
	devices := memory.NewDeviceRepository()
	for _, d := range cfg.Devices {
		if err := devices.Create(ctx, &entities.Device{SerialNumber: d.SerialNumber, Model: d.Model}); err != nil {
			return fmt.Errorf("failed to provision device %s: %w", d.SerialNumber, err)
		}
		if err := devices.RegisterDeviceSecret(d.SerialNumber, d.Secret); err != nil {
			return fmt.Errorf("failed to register device secret %s: %w", d.SerialNumber, err)
		}
	}
	logger.Info("Devices provisioned", zap.Int("count", len(cfg.Devices)))

	issuer, err := auth.NewIssuer(cfg.Auth)
	if err != nil {
		return err
	}

	hub := websocket.NewHub(factory, cfg.Hub, clk, logger.Named("websocket"))

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	deps := api.Dependencies{
		Hub:      hub,
		Devices:  devices,
		Issuer:   issuer,
		Assets:   cache,
		Tracker:  tracker,
		Observer: observer,
	}
	if registry != nil {
		deps.Gatherer = registry
	}
	api.InitRoutes(e, deps, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.Info("Server started", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newAssetStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.AssetStore, func(), error) {
	if cfg.Assets.Store != config.StoreMongo {
		logger.Info("Using in-memory asset store")
		return memory.NewAssetStore(), func() {}, nil
	}

	client, err := mongo.NewClient(ctx, cfg.Mongo, logger.Named("mongo"))
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		client.Close(ctx)
	}
	return mongo.NewAssetStore(client.Database, logger.Named("mongo")), closeFn, nil
}

// newModels returns per-session model constructors. Each worker proxy owns
// its model instance.
func newModels(cfg config.ProvidersConfig, logger *zap.Logger) (func() repositories.SpeechToTextModel, func() repositories.TextToSpeechModel, error) {
	var speechToText func() repositories.SpeechToTextModel
	switch cfg.SpeechToText {
	case config.ProviderGoogle:
		speechToText = func() repositories.SpeechToTextModel {
			return stt.NewGoogleSpeechToText(logger.Named("stt"))
		}
	default:
		speechToText = func() repositories.SpeechToTextModel {
			return stt.NewMockSpeechToText(logger.Named("stt"))
		}
	}

	var textToSpeech func() repositories.TextToSpeechModel
	switch cfg.TextToSpeech {
	case config.ProviderElevenLabs:
		elevenLabs := tts.NewElevenLabsConfigFromEnv()
		if err := tts.ValidateElevenLabsConfig(elevenLabs); err != nil {
			return nil, nil, fmt.Errorf("invalid Eleven Labs config: %w", err)
		}
		textToSpeech = func() repositories.TextToSpeechModel {
			// The config is validated above, the constructor cannot fail.
			model, _ := tts.NewElevenLabsTTS(elevenLabs, logger.Named("tts"))
			return model
		}
	default:
		textToSpeech = func() repositories.TextToSpeechModel {
			return tts.NewMockTextToSpeech(cfg.MockSynthesisDelay, logger.Named("tts"))
		}
	}

	return speechToText, textToSpeech, nil
}

func newCompletionService(ctx context.Context, cfg config.ProvidersConfig, logger *zap.Logger) (repositories.CompletionService, error) {
	switch cfg.Completion {
	case config.ProviderOpenAI:
		return llm.NewOpenAICompletion(llm.NewOpenAIConfigFromEnv(), logger.Named("llm"))
	case config.ProviderGemini:
		return llm.NewGeminiCompletion(ctx, llm.NewGeminiConfigFromEnv(), logger.Named("llm"))
	default:
		logger.Info("Using mock completion service")
		return llm.NewMockCompletion(), nil
	}
}
