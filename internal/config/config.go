package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/satriahrh/voxloop/adapters/mongo"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/internal/auth"
	"github.com/satriahrh/voxloop/internal/inference"
	"github.com/satriahrh/voxloop/internal/pipeline"
	"github.com/satriahrh/voxloop/internal/synthesis"
	"github.com/satriahrh/voxloop/internal/transcription"
	"github.com/satriahrh/voxloop/internal/websocket"
	"github.com/satriahrh/voxloop/usecase"
)

// Provider names accepted by ProvidersConfig
const (
	ProviderMock       = "mock"
	ProviderGoogle     = "google"
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
	ProviderElevenLabs = "elevenlabs"
)

// Asset store engines accepted by AssetsConfig
const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Logging   LoggingConfig       `yaml:"logging"`
	Auth      auth.Config         `yaml:"auth"`
	Hub       websocket.HubConfig `yaml:"hub"`
	Pipeline  pipeline.Config     `yaml:"pipeline"`
	Inference inference.Config    `yaml:"inference"`
	Providers ProvidersConfig     `yaml:"providers"`
	Assets    AssetsConfig        `yaml:"assets"`
	Mongo     mongo.Config        `yaml:"mongo"`
	Metrics   MetricsConfig       `yaml:"metrics"`
	Latency   LatencyConfig       `yaml:"latency"`
	Devices   []DeviceConfig      `yaml:"devices"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProvidersConfig selects the model and completion backends. API keys are
// read by each adapter from its own environment variables.
type ProvidersConfig struct {
	SpeechToText string `yaml:"speech_to_text"`
	TextToSpeech string `yaml:"text_to_speech"`
	Completion   string `yaml:"completion"`
	// MockSynthesisDelay slows the mock voice down to exercise barge-in
	MockSynthesisDelay time.Duration `yaml:"mock_synthesis_delay"`
}

// AssetsConfig contains offline cache configuration
type AssetsConfig struct {
	ManifestPath    string        `yaml:"manifest_path"`
	Store           string        `yaml:"store"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ProbeURL        string        `yaml:"probe_url"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	Concurrency     int           `yaml:"concurrency"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LatencyConfig sizes the rolling latency history
type LatencyConfig struct {
	HistorySize int `yaml:"history_size"`
}

// DeviceConfig provisions one device allowed to authenticate
type DeviceConfig struct {
	SerialNumber string `yaml:"serial_number"`
	Secret       string `yaml:"secret"`
	Model        string `yaml:"model"`
}

// Default returns a configuration that runs fully offline with mock providers
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: auth.Config{
			DeviceTTL: 24 * time.Hour,
			Issuer:    "voxloop",
		},
		Pipeline: pipeline.Config{
			ChunkDuration: 250 * time.Millisecond,
			HistoryTurns:  12,
			Coordinator: usecase.CoordinatorConfig{
				Constraints:      entities.DefaultCaptureConstraints(),
				SilenceTimeout:   1500 * time.Millisecond,
				SilenceThreshold: 0.02,
				MaxCapture:       30 * time.Second,
				FallbackCue:      entities.AssetKey{ID: "failure-cue", Version: "1"},
			},
			Transcription: transcription.Config{
				QueueSize:  8,
				ModelAsset: entities.AssetKey{ID: "stt-model", Version: "1"},
			},
			Synthesis: synthesis.Config{
				QueueSize:  4,
				VoiceAsset: entities.AssetKey{ID: "tts-voice", Version: "1"},
			},
		},
		Inference: inference.Config{
			MaxTokens:      256,
			Temperature:    0.7,
			AttemptTimeout: 15 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     4 * time.Second,
			ContextTurns:   6,
		},
		Providers: ProvidersConfig{
			SpeechToText: ProviderMock,
			TextToSpeech: ProviderMock,
			Completion:   ProviderMock,
		},
		Assets: AssetsConfig{
			ManifestPath:    "assets/manifest.yaml",
			Store:           StoreMemory,
			RefreshInterval: 15 * time.Minute,
			ProbeTimeout:    2 * time.Second,
			Concurrency:     4,
		},
		Metrics: MetricsConfig{Enabled: true},
		Latency: LatencyConfig{HistorySize: 100},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and finally the environment. A .env file in the working directory is
// loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	config := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyEnv overrides file values with any set environment variables
func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("STT_PROVIDER"); v != "" {
		c.Providers.SpeechToText = v
	}
	if v := os.Getenv("TTS_PROVIDER"); v != "" {
		c.Providers.TextToSpeech = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.Providers.Completion = v
	}
	if v := os.Getenv("ASSET_MANIFEST"); v != "" {
		c.Assets.ManifestPath = v
	}
	if v := os.Getenv("ASSET_STORE"); v != "" {
		c.Assets.Store = v
	}
	if v := os.Getenv("ASSET_PROBE_URL"); v != "" {
		c.Assets.ProbeURL = v
	}

	env := mongo.NewConfigFromEnv()
	if env.URI != "" {
		c.Mongo.URI = env.URI
	}
	if env.Database != "" {
		c.Mongo.Database = env.Database
	}
	return nil
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := auth.ValidateConfig(c.Auth); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}
	if err := websocket.ValidateHubConfig(c.Hub); err != nil {
		return fmt.Errorf("hub config: %w", err)
	}
	if err := pipeline.ValidateConfig(c.Pipeline); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}
	if err := inference.ValidateConfig(c.Inference); err != nil {
		return fmt.Errorf("inference config: %w", err)
	}
	if err := c.Providers.Validate(); err != nil {
		return fmt.Errorf("providers config: %w", err)
	}
	if err := c.Assets.Validate(); err != nil {
		return fmt.Errorf("assets config: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		if d.SerialNumber == "" || d.Secret == "" || d.Model == "" {
			return fmt.Errorf("devices config: device %d needs serial_number, secret and model", i)
		}
		if _, dup := seen[d.SerialNumber]; dup {
			return fmt.Errorf("devices config: duplicate serial_number %s", d.SerialNumber)
		}
		seen[d.SerialNumber] = struct{}{}
	}
	if c.Latency.HistorySize < 0 {
		return fmt.Errorf("latency config: history_size must not be negative, got %d", c.Latency.HistorySize)
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %v", s.ShutdownTimeout)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	if _, err := zapcore.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("invalid level %q", l.Level)
	}
	switch l.Format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("format must be json or console, got %q", l.Format)
	}
}

// Validate validates provider selection
func (p *ProvidersConfig) Validate() error {
	switch p.SpeechToText {
	case ProviderMock, ProviderGoogle:
	default:
		return fmt.Errorf("unsupported speech_to_text provider %q", p.SpeechToText)
	}
	switch p.TextToSpeech {
	case ProviderMock, ProviderElevenLabs:
	default:
		return fmt.Errorf("unsupported text_to_speech provider %q", p.TextToSpeech)
	}
	switch p.Completion {
	case ProviderMock, ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("unsupported completion provider %q", p.Completion)
	}
	if p.MockSynthesisDelay < 0 {
		return fmt.Errorf("mock_synthesis_delay must not be negative, got %v", p.MockSynthesisDelay)
	}
	return nil
}

// Validate validates asset cache configuration
func (a *AssetsConfig) Validate() error {
	if a.ManifestPath == "" {
		return errors.New("manifest_path cannot be empty")
	}
	switch a.Store {
	case StoreMemory, StoreMongo:
	default:
		return fmt.Errorf("store must be memory or mongo, got %q", a.Store)
	}
	if a.RefreshInterval < 0 {
		return fmt.Errorf("refresh_interval must not be negative, got %v", a.RefreshInterval)
	}
	if a.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", a.Concurrency)
	}
	return nil
}

// NewLogger builds the root logger for the logging section
func NewLogger(config LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	var zc zap.Config
	if config.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
