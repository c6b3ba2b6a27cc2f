package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

const (
	defaultOpenAIModel = openai.GPT4oMini
	openAIProvider     = "openai"
)

// OpenAIConfig holds configuration for any OpenAI-compatible chat endpoint
// Required fields:
// - APIKey: API key for the endpoint
// Optional fields with defaults:
// - Model: chat model (default: "gpt-4o-mini")
// - BaseURL: endpoint base URL including the /v1 suffix
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// ValidateOpenAIConfig validates the OpenAIConfig
func ValidateOpenAIConfig(config OpenAIConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("OpenAI API key is required")
	}
	return nil
}

// NewOpenAIConfigFromEnv reads OPENAI_API_KEY, OPENAI_MODEL and OPENAI_BASE_URL
func NewOpenAIConfigFromEnv() OpenAIConfig {
	return OpenAIConfig{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		Model:   os.Getenv("OPENAI_MODEL"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
	}
}

// OpenAICompletion implements repositories.CompletionService with go-openai
type OpenAICompletion struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

var _ repositories.CompletionService = (*OpenAICompletion)(nil)

// NewOpenAICompletion creates an OpenAI-compatible completion service
func NewOpenAICompletion(config OpenAIConfig, logger *zap.Logger) (*OpenAICompletion, error) {
	if err := ValidateOpenAIConfig(config); err != nil {
		return nil, err
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
		logger.Info("Using custom API base URL", zap.String("baseURL", clientConfig.BaseURL))
	}

	model := config.Model
	if model == "" {
		model = defaultOpenAIModel
		logger.Info("Using default model", zap.String("model", model))
	}

	return &OpenAICompletion{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		logger: logger,
	}, nil
}

// Complete implements repositories.CompletionService
func (o *OpenAICompletion) Complete(ctx context.Context, req repositories.CompletionRequest) (repositories.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Context)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, turn := range req.Context {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openAIRole(turn.Role),
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Transcript,
	})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return repositories.CompletionResponse{}, convertOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return repositories.CompletionResponse{}, errors.New("openai returned no choices")
	}

	o.logger.Debug("OpenAI completion received",
		zap.String("model", model),
		zap.String("finishReason", string(resp.Choices[0].FinishReason)),
		zap.Int("totalTokens", resp.Usage.TotalTokens))

	return repositories.CompletionResponse{
		Text: strings.TrimSpace(resp.Choices[0].Message.Content),
		Usage: repositories.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func openAIRole(role entities.Role) string {
	switch role {
	case entities.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case entities.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

// convertOpenAIError maps HTTP failures onto repositories.StatusError
func convertOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &repositories.StatusError{Provider: openAIProvider, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &repositories.StatusError{Provider: openAIProvider, StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return fmt.Errorf("openai request failed: %w", err)
}
