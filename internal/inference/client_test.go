package inference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

// scriptedService returns the scripted errors in order, then succeeds
type scriptedService struct {
	mu       sync.Mutex
	errs     []error
	block    bool
	calls    int
	requests []repositories.CompletionRequest
}

func (s *scriptedService) Complete(ctx context.Context, req repositories.CompletionRequest) (repositories.CompletionResponse, error) {
	s.mu.Lock()
	s.calls++
	s.requests = append(s.requests, req)
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return repositories.CompletionResponse{}, ctx.Err()
	}
	if err != nil {
		return repositories.CompletionResponse{}, err
	}
	return repositories.CompletionResponse{Text: "Hi there!", Usage: repositories.TokenUsage{TotalTokens: 8}}, nil
}

func (s *scriptedService) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestClient(t *testing.T, service repositories.CompletionService, config Config) *Client {
	t.Helper()
	if config.InitialBackoff == 0 {
		config.InitialBackoff = time.Millisecond
		config.MaxBackoff = 4 * time.Millisecond
	}
	client, err := NewClient(service, config, clock.New(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func status(code int) error {
	return &repositories.StatusError{Provider: "test", StatusCode: code, Message: "scripted"}
}

func TestClient_RetryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantErr   error
		wantCalls int
	}{
		{name: "success", wantCalls: 1},
		{name: "recovers after 5xx", errs: []error{status(500), status(503)}, wantCalls: 3},
		{name: "exhausted 5xx", errs: []error{status(500), status(502), status(503)}, wantErr: domain.ErrInferenceUnavailable, wantCalls: 3},
		{name: "network errors", errs: []error{errors.New("connection reset"), errors.New("eof"), errors.New("eof")}, wantErr: domain.ErrInferenceUnavailable, wantCalls: 3},
		{name: "bad request not retried", errs: []error{status(400)}, wantErr: domain.ErrInferenceRejected, wantCalls: 1},
		{name: "rate limit not retried", errs: []error{status(429)}, wantErr: domain.ErrInferenceRejected, wantCalls: 1},
		{name: "4xx after 5xx", errs: []error{status(500), status(401)}, wantErr: domain.ErrInferenceRejected, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &scriptedService{errs: tt.errs}
			client := newTestClient(t, service, Config{MaxAttempts: 3})

			resp, err := client.Complete(context.Background(), "hello world.", nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Expected %v, got %v", tt.wantErr, err)
				}
			} else {
				if err != nil {
					t.Fatalf("Complete failed: %v", err)
				}
				if resp.Text != "Hi there!" {
					t.Errorf("Unexpected reply: %s", resp.Text)
				}
				if resp.Attempts != tt.wantCalls {
					t.Errorf("Expected %d attempts, got %d", tt.wantCalls, resp.Attempts)
				}
			}
			if got := service.callCount(); got != tt.wantCalls {
				t.Errorf("Expected %d calls, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestClient_AttemptTimeoutIsRetried(t *testing.T) {
	service := &scriptedService{block: true}
	client := newTestClient(t, service, Config{MaxAttempts: 2, AttemptTimeout: 20 * time.Millisecond})

	_, err := client.Complete(context.Background(), "hello", nil)
	if !errors.Is(err, domain.ErrInferenceUnavailable) {
		t.Errorf("Expected ErrInferenceUnavailable, got %v", err)
	}
	if got := service.callCount(); got != 2 {
		t.Errorf("Expected 2 calls, got %d", got)
	}
}

func TestClient_ParentCancellationStopsRetries(t *testing.T) {
	service := &scriptedService{block: true}
	client := newTestClient(t, service, Config{MaxAttempts: 3, AttemptTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Complete(ctx, "hello", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if got := service.callCount(); got != 1 {
		t.Errorf("Expected 1 call, got %d", got)
	}
}

func TestClient_ContextWindow(t *testing.T) {
	service := &scriptedService{}
	client := newTestClient(t, service, Config{ContextTurns: 2})

	turns := []entities.ConversationTurn{
		{Role: entities.RoleUser, Content: "first"},
		{Role: entities.RoleAssistant, Content: "second"},
		{Role: entities.RoleUser, Content: "third"},
	}
	if _, err := client.Complete(context.Background(), "fourth", turns); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	req := service.requests[0]
	if len(req.Context) != 2 || req.Context[0].Content != "second" {
		t.Errorf("Expected last 2 turns, got %+v", req.Context)
	}
	if req.MaxTokens != defaultMaxTokens || req.Temperature != defaultTemperature {
		t.Errorf("Expected default sampling params, got %d/%f", req.MaxTokens, req.Temperature)
	}
	if req.Transcript != "fourth" {
		t.Errorf("Unexpected transcript: %s", req.Transcript)
	}
}

func TestClient_Backoff(t *testing.T) {
	client := newTestClient(t, &scriptedService{}, Config{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
	})

	want := map[int]time.Duration{
		2: 100 * time.Millisecond,
		3: 200 * time.Millisecond,
		4: 300 * time.Millisecond,
		8: 300 * time.Millisecond,
	}
	for attempt, d := range want {
		if got := client.backoff(attempt); got != d {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, d)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "zero", config: Config{}},
		{name: "negative tokens", config: Config{MaxTokens: -1}, wantErr: true},
		{name: "hot temperature", config: Config{Temperature: 3}, wantErr: true},
		{name: "inverted backoff", config: Config{InitialBackoff: time.Second, MaxBackoff: time.Millisecond}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateConfig(tt.config); (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
