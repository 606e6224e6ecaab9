package genai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
	calls  int
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.calls++
	m.params = params
	return m.resp, m.err
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestComplete_Success(t *testing.T) {
	mock := &mockChatService{resp: completion("  Hello World  ")}
	client := &Client{chat: mock, model: "test-model", temperature: 0.7, maxTokens: 100}
	out, err := client.Complete(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if mock.params.Model != "test-model" {
		t.Errorf("expected model test-model, got %s", mock.params.Model)
	}
	if len(mock.params.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(mock.params.Messages))
	}
	if mock.params.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format")
	}
}

func TestComplete_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.Complete(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.Complete(context.Background(), "sys", "usr")
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestComplete_EmptyContent(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: completion("   ")}}
	_, err := client.Complete(context.Background(), "sys", "usr")
	if err != ErrEmptyContent {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if !errors.Is(err, ErrAPIKeyNotSet) {
		t.Errorf("expected ErrAPIKeyNotSet, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != DefaultOpenAIModel || cli.maxTokens != DefaultMaxTokens {
		t.Errorf("expected defaults, got model=%s maxTokens=%d", cli.model, cli.maxTokens)
	}
	if cli.Name() != "openai" {
		t.Errorf("unexpected provider name %q", cli.Name())
	}
}

func TestClient_AgainstHTTPServer(t *testing.T) {
	type captured struct {
		auth string
		body map[string]interface{}
	}
	seen := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{auth: r.Header.Get("Authorization")}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &c.body)
		select {
		case seen <- c:
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4.1-mini",`+
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"reply\":\"Breathe slowly.\",\"sentiment\":\"low\"}"}}]}`)
	}))
	defer srv.Close()

	cli, err := NewClient(WithAPIKey("sk-test"), WithBaseURL(srv.URL), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	out, err := cli.Complete(context.Background(), "sys", "usr")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !strings.Contains(out, "Breathe slowly.") {
		t.Errorf("unexpected completion %q", out)
	}
	got := <-seen
	if got.auth != "Bearer sk-test" {
		t.Errorf("expected bearer auth header, got %q", got.auth)
	}
	if rf, ok := got.body["response_format"].(map[string]interface{}); !ok || rf["type"] != "json_object" {
		t.Errorf("expected json_object response format, got %v", got.body["response_format"])
	}
}
