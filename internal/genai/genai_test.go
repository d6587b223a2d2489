package genai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp       openai.ChatCompletion
	err        error
	delay      time.Duration
	lastParams openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.lastParams = params
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return openai.ChatCompletion{}, ctx.Err()
		}
	}
	return m.resp, m.err
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func testClient(chat chatService) *Client {
	return &Client{chat: chat, model: "test-model", temperature: 0.2, maxCompletionTokens: 100, timeout: time.Second}
}

func TestGenerate_Success(t *testing.T) {
	mock := &mockChatService{resp: completion("  Hello World ")}
	out, err := testClient(mock).Generate(context.Background(), Request{System: "sys", Prompt: "usr"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if len(mock.lastParams.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(mock.lastParams.Messages))
	}
}

func TestGenerate_ServiceError(t *testing.T) {
	client := testClient(&mockChatService{err: errors.New("service failure")})
	_, err := client.Generate(context.Background(), Request{Prompt: "usr"})
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerate_NoChoices(t *testing.T) {
	client := testClient(&mockChatService{resp: openai.ChatCompletion{}})
	_, err := client.Generate(context.Background(), Request{Prompt: "usr"})
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerate_Timeout(t *testing.T) {
	client := testClient(&mockChatService{resp: completion("late"), delay: time.Second})
	start := time.Now()
	_, err := client.Generate(context.Background(), Request{Prompt: "usr", Timeout: 20 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("timeout not honored, took %v", time.Since(start))
	}
}

func TestGenerateJSON(t *testing.T) {
	type verdict struct {
		Fit       string `json:"fit"`
		Reasoning string `json:"reasoning"`
	}
	tests := []struct {
		name    string
		content string
		wantErr bool
		wantFit string
	}{
		{"plain object", `{"fit":"good_fit","reasoning":"ok"}`, false, "good_fit"},
		{"fenced object", "```json\n{\"fit\":\"bad_fit\",\"reasoning\":\"no\"}\n```", false, "bad_fit"},
		{"free text", "I think this is a good fit.", true, ""},
		{"unknown field", `{"fit":"good_fit","score":9}`, true, ""},
		{"trailing data", `{"fit":"good_fit"} {"fit":"bad_fit"}`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v verdict
			err := testClient(&mockChatService{resp: completion(tt.content)}).GenerateJSON(context.Background(), Request{Prompt: "p"}, &v)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidJSON) {
					t.Errorf("expected ErrInvalidJSON, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Fit != tt.wantFit {
				t.Errorf("Fit = %q, want %q", v.Fit, tt.wantFit)
			}
		})
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if err != ErrMissingAPIKey {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-test" || cli.timeout != time.Second {
		t.Errorf("options not applied: model=%s timeout=%v", cli.model, cli.timeout)
	}
}
