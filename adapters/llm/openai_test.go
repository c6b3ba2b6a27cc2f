package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

const chatCompletionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1,
  "model": "gpt-4o-mini",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "Hi there!"}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
}`

func newOpenAITestServer(t *testing.T, status int, body string, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if captured != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, captured)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestOpenAICompletion_Complete(t *testing.T) {
	var captured map[string]any
	srv := newOpenAITestServer(t, http.StatusOK, chatCompletionBody, &captured)
	defer srv.Close()

	completion, err := NewOpenAICompletion(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewOpenAICompletion failed: %v", err)
	}

	resp, err := completion.Complete(context.Background(), repositories.CompletionRequest{
		SystemPrompt: "be brief",
		Transcript:   "hello world.",
		Context: []entities.ConversationTurn{
			{Role: entities.RoleUser, Content: "earlier"},
			{Role: entities.RoleAssistant, Content: "reply"},
		},
		MaxTokens:   150,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Text != "Hi there!" {
		t.Errorf("Expected 'Hi there!', got %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("Expected 8 total tokens, got %d", resp.Usage.TotalTokens)
	}

	messages, _ := captured["messages"].([]any)
	if len(messages) != 4 {
		t.Fatalf("Expected system + 2 context + user messages, got %d", len(messages))
	}
	if captured["max_tokens"] != float64(150) {
		t.Errorf("Expected max_tokens 150, got %v", captured["max_tokens"])
	}
}

func TestOpenAICompletion_StatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: 500, body: `{"error": {"message": "boom", "type": "server_error"}}`},
		{name: "rate limited", status: 429, body: `{"error": {"message": "slow down", "type": "rate_limit"}}`},
		{name: "unparseable", status: 502, body: `<html>bad gateway</html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newOpenAITestServer(t, tt.status, tt.body, nil)
			defer srv.Close()

			completion, err := NewOpenAICompletion(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"}, zaptest.NewLogger(t))
			if err != nil {
				t.Fatalf("NewOpenAICompletion failed: %v", err)
			}

			_, err = completion.Complete(context.Background(), repositories.CompletionRequest{Transcript: "hi"})
			var statusErr *repositories.StatusError
			if !errors.As(err, &statusErr) {
				t.Fatalf("Expected StatusError, got %v", err)
			}
			if statusErr.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, statusErr.StatusCode)
			}
		})
	}
}

func TestNewOpenAICompletion_RequiresKey(t *testing.T) {
	if _, err := NewOpenAICompletion(OpenAIConfig{}, zaptest.NewLogger(t)); err == nil {
		t.Error("Expected error when API key is missing")
	}
}

func TestMockCompletion(t *testing.T) {
	mock := NewMockCompletion("Hi there!")
	mock.FailNext(&repositories.StatusError{StatusCode: 503})

	if _, err := mock.Complete(context.Background(), repositories.CompletionRequest{Transcript: "a"}); err == nil {
		t.Error("Expected scripted failure")
	}
	resp, err := mock.Complete(context.Background(), repositories.CompletionRequest{Transcript: "a"})
	if err != nil || resp.Text != "Hi there!" {
		t.Errorf("Expected scripted reply, got %q (%v)", resp.Text, err)
	}
	resp, _ = mock.Complete(context.Background(), repositories.CompletionRequest{Transcript: "b"})
	if resp.Text != "You said: b" {
		t.Errorf("Expected echo reply, got %q", resp.Text)
	}
	if len(mock.Requests()) != 3 {
		t.Errorf("Expected 3 recorded requests, got %d", len(mock.Requests()))
	}
}

func TestGeminiCompletion_Integration(t *testing.T) {
	config := NewGeminiConfigFromEnv()
	if config.APIKey == "" {
		t.Skip("Skipping Gemini integration test - GEMINI_API_KEY not set")
	}

	completion, err := NewGeminiCompletion(context.Background(), config, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewGeminiCompletion failed: %v", err)
	}

	resp, err := completion.Complete(context.Background(), repositories.CompletionRequest{
		Transcript:  "Say hello in one word.",
		MaxTokens:   20,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Text == "" {
		t.Error("Expected non-empty reply")
	}
}
