package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

const (
	defaultMaxTokens      = 150
	defaultTemperature    = 0.7
	defaultAttemptTimeout = 6 * time.Second
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultContextTurns   = 6
)

// Config holds the retry and request settings of the inference client.
// Zero values are replaced by defaults.
type Config struct {
	Model          string        `yaml:"model"`
	SystemPrompt   string        `yaml:"system_prompt"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float32       `yaml:"temperature"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	ContextTurns   int           `yaml:"context_turns"`
}

// ValidateConfig validates the Config
func ValidateConfig(config Config) error {
	if config.MaxTokens < 0 {
		return fmt.Errorf("max tokens must be positive, got %d", config.MaxTokens)
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", config.Temperature)
	}
	if config.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be positive, got %d", config.MaxAttempts)
	}
	if config.ContextTurns < 0 {
		return fmt.Errorf("context turns must not be negative, got %d", config.ContextTurns)
	}
	if config.MaxBackoff != 0 && config.InitialBackoff > config.MaxBackoff {
		return fmt.Errorf("initial backoff %v exceeds max backoff %v", config.InitialBackoff, config.MaxBackoff)
	}
	return nil
}

// Response is a completed reply plus call accounting
type Response struct {
	Text     string
	Usage    repositories.TokenUsage
	Attempts int
	Latency  time.Duration
}

// Client issues completion requests with a bounded context window and
// exponential-backoff retries. 4xx responses are never retried.
type Client struct {
	service repositories.CompletionService
	config  Config
	clock   clock.Clock
	logger  *zap.Logger
}

// NewClient creates an inference client
func NewClient(service repositories.CompletionService, config Config, clk clock.Clock, logger *zap.Logger) (*Client, error) {
	if service == nil {
		return nil, errors.New("completion service is required")
	}
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}

	if config.MaxTokens == 0 {
		config.MaxTokens = defaultMaxTokens
		logger.Info("Using default max tokens", zap.Int("maxTokens", config.MaxTokens))
	}
	if config.Temperature == 0 {
		config.Temperature = defaultTemperature
		logger.Info("Using default temperature", zap.Float32("temperature", config.Temperature))
	}
	if config.AttemptTimeout == 0 {
		config.AttemptTimeout = defaultAttemptTimeout
		logger.Info("Using default attempt timeout", zap.Duration("attemptTimeout", config.AttemptTimeout))
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaultMaxAttempts
		logger.Info("Using default max attempts", zap.Int("maxAttempts", config.MaxAttempts))
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = defaultInitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaultMaxBackoff
	}
	if config.ContextTurns == 0 {
		config.ContextTurns = defaultContextTurns
		logger.Info("Using default context turns", zap.Int("contextTurns", config.ContextTurns))
	}

	return &Client{
		service: service,
		config:  config,
		clock:   clk,
		logger:  logger,
	}, nil
}

// Config returns the effective configuration
func (c *Client) Config() Config {
	return c.config
}

// Complete sends transcript with the most recent turns of context. It returns
// domain.ErrInferenceRejected for 4xx responses and
// domain.ErrInferenceUnavailable once every attempt failed transiently.
func (c *Client) Complete(ctx context.Context, transcript string, turns []entities.ConversationTurn) (*Response, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, fmt.Errorf("%w: empty transcript", domain.ErrInferenceRejected)
	}

	req := repositories.CompletionRequest{
		Model:        c.config.Model,
		SystemPrompt: c.config.SystemPrompt,
		Transcript:   transcript,
		Context:      entities.LastTurns(turns, c.config.ContextTurns),
		MaxTokens:    c.config.MaxTokens,
		Temperature:  c.config.Temperature,
	}

	started := c.clock.Now()
	var lastErr error

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.backoff(attempt)
			c.logger.Warn("Retrying completion request",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.clock.After(backoff):
			}
		}

		resp, err := c.attempt(ctx, req)
		if err == nil {
			return &Response{
				Text:     resp.Text,
				Usage:    resp.Usage,
				Attempts: attempt,
				Latency:  c.clock.Since(started),
			}, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if isRejection(err) {
			c.logger.Error("Completion request rejected", zap.Int("attempt", attempt), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", domain.ErrInferenceRejected, err)
		}
		lastErr = err
	}

	c.logger.Error("Completion service unavailable",
		zap.Int("attempts", c.config.MaxAttempts),
		zap.Error(lastErr))
	return nil, fmt.Errorf("%w after %d attempts: %v", domain.ErrInferenceUnavailable, c.config.MaxAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, req repositories.CompletionRequest) (repositories.CompletionResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.AttemptTimeout)
	defer cancel()

	resp, err := c.service.Complete(attemptCtx, req)
	if err != nil {
		return resp, err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return resp, errors.New("completion service returned an empty reply")
	}
	return resp, nil
}

// backoff returns the wait before attempt (2-based): initial * 2^(attempt-2), capped.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.InitialBackoff
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= c.config.MaxBackoff {
			return c.config.MaxBackoff
		}
	}
	if d > c.config.MaxBackoff {
		return c.config.MaxBackoff
	}
	return d
}

// isRejection reports whether err is a terminal client-side failure
func isRejection(err error) bool {
	var statusErr *repositories.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.IsClientError()
	}
	return false
}
