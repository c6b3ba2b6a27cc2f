package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/satriahrh/voxloop/domain/repositories"
)

// MockCompletion is a deterministic completion service for development and tests
type MockCompletion struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	requests []repositories.CompletionRequest
}

var _ repositories.CompletionService = (*MockCompletion)(nil)

// NewMockCompletion returns the scripted replies in order, then echoes the transcript
func NewMockCompletion(replies ...string) *MockCompletion {
	return &MockCompletion{replies: replies}
}

// FailNext makes the next calls return errs in order
func (m *MockCompletion) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

// Complete implements repositories.CompletionService
func (m *MockCompletion) Complete(ctx context.Context, req repositories.CompletionRequest) (repositories.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if err := ctx.Err(); err != nil {
		return repositories.CompletionResponse{}, err
	}
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return repositories.CompletionResponse{}, err
	}

	text := fmt.Sprintf("You said: %s", req.Transcript)
	if len(m.replies) > 0 {
		text = m.replies[0]
		m.replies = m.replies[1:]
	}
	return repositories.CompletionResponse{
		Text:  text,
		Usage: repositories.TokenUsage{PromptTokens: len(req.Transcript), CompletionTokens: len(text), TotalTokens: len(req.Transcript) + len(text)},
	}, nil
}

// Requests returns a copy of every request received
func (m *MockCompletion) Requests() []repositories.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]repositories.CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}
