package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/satriahrh/voxloop/domain/entities"
)

// CompletionService abstracts the remote language model endpoint.
// Implementations perform exactly one network call per Complete and leave
// retries to the caller.
type CompletionService interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// CompletionRequest is a single reply request
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Transcript   string
	Context      []entities.ConversationTurn
	MaxTokens    int
	Temperature  float32
}

// CompletionResponse is the model's reply
type CompletionResponse struct {
	Text  string
	Usage TokenUsage
}

// TokenUsage reports token accounting for a completion
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StatusError is returned by completion services when the remote side
// answered with a non-success HTTP status.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsClientError returns true for 4xx responses, rate limiting included.
func (e *StatusError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsServerError returns true for 5xx responses.
func (e *StatusError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}
