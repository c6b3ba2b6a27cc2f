package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

const (
	defaultGeminiModel = "gemini-2.0-flash"
	geminiProvider     = "gemini"
)

// GeminiConfig holds configuration for the Gemini completion adapter
// Required fields:
// - APIKey: Google AI API key
// Optional fields with defaults:
// - Model: model name (default: "gemini-2.0-flash")
// - BaseURL: override of the API endpoint, used for proxies and tests
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}
	return nil
}

// NewGeminiConfigFromEnv reads GEMINI_API_KEY, GEMINI_MODEL and GEMINI_BASE_URL
func NewGeminiConfigFromEnv() GeminiConfig {
	return GeminiConfig{
		APIKey:  os.Getenv("GEMINI_API_KEY"),
		Model:   os.Getenv("GEMINI_MODEL"),
		BaseURL: os.Getenv("GEMINI_BASE_URL"),
	}
}

// GeminiCompletion implements repositories.CompletionService with Google's Gemini API
type GeminiCompletion struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

var _ repositories.CompletionService = (*GeminiCompletion)(nil)

// NewGeminiCompletion creates a Gemini-backed completion service
func NewGeminiCompletion(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiCompletion, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := config.Model
	if model == "" {
		model = defaultGeminiModel
		logger.Info("Using default model", zap.String("model", model))
	}

	return &GeminiCompletion{
		client: client,
		model:  model,
		logger: logger,
	}, nil
}

// Complete implements repositories.CompletionService
func (g *GeminiCompletion) Complete(ctx context.Context, req repositories.CompletionRequest) (repositories.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	contents := make([]*genai.Content, 0, len(req.Context)+1)
	for _, turn := range req.Context {
		contents = append(contents, genai.NewContentFromText(turn.Content, geminiRole(turn.Role)))
	}
	contents = append(contents, genai.NewContentFromText(req.Transcript, genai.RoleUser))

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	response, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return repositories.CompletionResponse{}, convertGeminiError(err)
	}

	if len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return repositories.CompletionResponse{}, errors.New("gemini returned no candidates")
	}

	var text strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			text.WriteString(part.Text)
		}
	}

	out := repositories.CompletionResponse{Text: strings.TrimSpace(text.String())}
	if usage := response.UsageMetadata; usage != nil {
		out.Usage = repositories.TokenUsage{
			PromptTokens:     int(usage.PromptTokenCount),
			CompletionTokens: int(usage.CandidatesTokenCount),
			TotalTokens:      int(usage.TotalTokenCount),
		}
	}

	g.logger.Debug("Gemini completion received",
		zap.String("model", model),
		zap.Int("totalTokens", out.Usage.TotalTokens))
	return out, nil
}

func geminiRole(role entities.Role) genai.Role {
	if role == entities.RoleAssistant {
		return genai.RoleModel
	}
	return genai.RoleUser
}

// convertGeminiError maps API failures onto repositories.StatusError so the
// inference client can classify them.
func convertGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &repositories.StatusError{Provider: geminiProvider, StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &repositories.StatusError{Provider: geminiProvider, StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message}
	}
	return fmt.Errorf("gemini request failed: %w", err)
}
