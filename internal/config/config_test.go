package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

const testSecret = "0123456789abcdef-test"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxloop.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("PORT", "9090")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("MONGODB_URI", "mongodb://db:27017")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Providers.Completion != ProviderOpenAI {
		t.Errorf("Expected openai completion, got %s", cfg.Providers.Completion)
	}
	if cfg.Providers.SpeechToText != ProviderMock {
		t.Errorf("Expected mock speech-to-text by default, got %s", cfg.Providers.SpeechToText)
	}
	if cfg.Mongo.URI != "mongodb://db:27017" {
		t.Errorf("Expected mongo uri from env, got %s", cfg.Mongo.URI)
	}
	if cfg.Pipeline.Transcription.ModelAsset.ID == "" {
		t.Error("Expected default model asset")
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("LOG_LEVEL", "debug")

	path := writeConfig(t, `
server:
  port: 7000
logging:
  level: warn
  format: console
auth:
  secret: `+testSecret+`
pipeline:
  chunk_duration: 100ms
  coordinator:
    silence_timeout: 2s
    max_capture: 20s
  transcription:
    queue_size: 3
    model_asset:
      id: whisper-small
      version: "2"
inference:
  max_attempts: 5
  initial_backoff: 250ms
assets:
  store: mongo
  refresh_interval: 1h
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 7000 {
		t.Errorf("Expected port 7000, got %d", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("Expected default shutdown timeout to survive, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("Expected env to override level only, got %+v", cfg.Logging)
	}
	if cfg.Pipeline.ChunkDuration != 100*time.Millisecond {
		t.Errorf("Expected 100ms chunks, got %v", cfg.Pipeline.ChunkDuration)
	}
	if cfg.Pipeline.Coordinator.SilenceTimeout != 2*time.Second {
		t.Errorf("Expected 2s silence timeout, got %v", cfg.Pipeline.Coordinator.SilenceTimeout)
	}
	if got := cfg.Pipeline.Transcription.ModelAsset; got.ID != "whisper-small" || got.Version != "2" {
		t.Errorf("Unexpected model asset %v", got)
	}
	if cfg.Pipeline.Transcription.QueueSize != 3 {
		t.Errorf("Expected queue size 3, got %d", cfg.Pipeline.Transcription.QueueSize)
	}
	if cfg.Pipeline.Synthesis.VoiceAsset.ID != "tts-voice" {
		t.Errorf("Expected default voice asset, got %v", cfg.Pipeline.Synthesis.VoiceAsset)
	}
	if cfg.Inference.MaxAttempts != 5 || cfg.Inference.InitialBackoff != 250*time.Millisecond {
		t.Errorf("Unexpected inference config %+v", cfg.Inference)
	}
	if cfg.Assets.Store != StoreMongo || cfg.Assets.RefreshInterval != time.Hour {
		t.Errorf("Unexpected assets config %+v", cfg.Assets)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	tests := []struct {
		name     string
		path     func(t *testing.T) string
		port     string
		errorMsg string
	}{
		{
			name:     "missing file",
			path:     func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.yaml") },
			errorMsg: "failed to read config file",
		},
		{
			name:     "malformed yaml",
			path:     func(t *testing.T) string { return writeConfig(t, "server: [") },
			errorMsg: "failed to parse config file",
		},
		{
			name:     "invalid port env",
			path:     func(t *testing.T) string { return "" },
			port:     "eighty",
			errorMsg: "invalid PORT",
		},
		{
			name:     "invalid provider",
			path:     func(t *testing.T) string { return writeConfig(t, "providers:\n  completion: parrot\n") },
			errorMsg: "providers config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PORT", tt.port)
			_, err := Load(tt.path(t))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigValidation(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Auth.Secret = testSecret
		return cfg
	}

	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{name: "valid configuration", mutate: func(c *Config) {}},
		{name: "missing secret", mutate: func(c *Config) { c.Auth.Secret = "" }, expectError: true, errorMsg: "auth config"},
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 70000 }, expectError: true, errorMsg: "server config"},
		{name: "zero shutdown", mutate: func(c *Config) { c.Server.ShutdownTimeout = 0 }, expectError: true, errorMsg: "server config"},
		{name: "invalid level", mutate: func(c *Config) { c.Logging.Level = "loud" }, expectError: true, errorMsg: "logging config"},
		{name: "invalid format", mutate: func(c *Config) { c.Logging.Format = "xml" }, expectError: true, errorMsg: "logging config"},
		{name: "odd frame bytes", mutate: func(c *Config) { c.Hub.Device.FrameBytes = 3 }, expectError: true, errorMsg: "hub config"},
		{name: "missing model asset", mutate: func(c *Config) { c.Pipeline.Transcription.ModelAsset.ID = "" }, expectError: true, errorMsg: "pipeline config"},
		{name: "silence over max capture", mutate: func(c *Config) { c.Pipeline.Coordinator.SilenceTimeout = time.Minute }, expectError: true, errorMsg: "pipeline config"},
		{name: "invalid temperature", mutate: func(c *Config) { c.Inference.Temperature = 3 }, expectError: true, errorMsg: "inference config"},
		{name: "unsupported stt", mutate: func(c *Config) { c.Providers.SpeechToText = "openai" }, expectError: true, errorMsg: "providers config"},
		{name: "unsupported tts", mutate: func(c *Config) { c.Providers.TextToSpeech = "google" }, expectError: true, errorMsg: "providers config"},
		{name: "unknown store", mutate: func(c *Config) { c.Assets.Store = "redis" }, expectError: true, errorMsg: "assets config"},
		{name: "empty manifest", mutate: func(c *Config) { c.Assets.ManifestPath = "" }, expectError: true, errorMsg: "assets config"},
		{name: "incomplete device", mutate: func(c *Config) { c.Devices = []DeviceConfig{{SerialNumber: "SN-1"}} }, expectError: true, errorMsg: "devices config"},
		{name: "duplicate device", mutate: func(c *Config) {
			c.Devices = []DeviceConfig{{"SN-1", "a", "m"}, {"SN-1", "b", "m"}}
		}, expectError: true, errorMsg: "devices config"},
		{name: "negative history", mutate: func(c *Config) { c.Latency.HistorySize = -1 }, expectError: true, errorMsg: "latency config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()

			if tt.expectError {
				if err == nil {
					t.Fatal("Expected validation error but got none")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing %q, got %v", tt.errorMsg, err)
				}
			} else if err != nil {
				t.Errorf("Expected no validation error but got: %v", err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		t.Run(format, func(t *testing.T) {
			logger, err := NewLogger(LoggingConfig{Level: "debug", Format: format})
			if err != nil {
				t.Fatalf("NewLogger failed: %v", err)
			}
			if !logger.Core().Enabled(zapcore.DebugLevel) {
				t.Error("Expected debug level to be enabled")
			}
		})
	}

	if _, err := NewLogger(LoggingConfig{Level: "loud"}); err == nil {
		t.Error("Expected error for invalid level")
	}
}
