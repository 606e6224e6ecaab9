// Package genai produces sponsor replies using hosted completion APIs.
//
// Providers (OpenAI chat completions, Gemini generateContent) implement Completer;
// Engine wraps any Completer with the persona prompt, reply parsing and the fixed
// fallback reply so callers always receive something to say.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default OpenAI request parameters.
const (
	DefaultOpenAIModel       = openai.ChatModelGPT4_1Mini
	DefaultTemperature       = 0.7
	DefaultMaxTokens   int64 = 200
)

var (
	// ErrAPIKeyNotSet is returned when a provider is constructed without credentials.
	ErrAPIKeyNotSet = errors.New("API key not set")
	// ErrNoChoicesReturned is returned when the provider answers with no candidates.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyContent is returned when the provider answers with blank text.
	ErrEmptyContent = errors.New("empty completion content")

	errProviderPanic = errors.New("completion provider panicked")
)

// Completer is a text-completion provider: one system instruction plus one user
// message in, one raw completion out.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Name() string
}

// chatService defines the minimal surface of the OpenAI chat completion service.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts *openai.ChatCompletionService to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for provider clients.
type Opts struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int64
	MaxRetries  int
	DebugMode   bool
	StateDir    string
}

// Option configures a provider client.
type Option func(*Opts)

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the provider model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithBaseURL points the client at a different endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithMaxRetries sets transport-level retries. Negative leaves the SDK default.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithDebug writes every request/response pair under stateDir/debug.
func WithDebug(stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = true
		o.StateDir = stateDir
	}
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{Temperature: DefaultTemperature, MaxRetries: -1}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	debugMode   bool
	stateDir    string
}

// NewClient initializes an OpenAI-backed Completer.
func NewClient(opts ...Option) (*Client, error) {
	cfg := applyOpts(opts)
	if cfg.APIKey == "" {
		slog.Error("genai.NewClient: OpenAI API key not set")
		return nil, fmt.Errorf("openai: %w", ErrAPIKeyNotSet)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.MaxRetries))
	}
	cli := openai.NewClient(reqOpts...)

	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	slog.Debug("genai.NewClient: OpenAI client created", "model", model, "base_url_set", cfg.BaseURL != "", "debug", cfg.DebugMode)
	return &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Name identifies the provider in logs and metrics.
func (c *Client) Name() string { return "openai" }

// Complete sends one system + user message pair and returns the first choice,
// asking the model for a JSON object.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxTokens),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	}
	slog.Debug("Client.Complete: sending request", "model", c.model, "user_len", len(userPrompt))

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	c.logDebug(debugEntry{
		Method:   "Complete",
		Provider: c.Name(),
		Model:    c.model,
		System:   systemPrompt,
		User:     userPrompt,
		Response: firstChoice(resp),
		Error:    errString(err),
		Elapsed:  time.Since(start).String(),
	})
	if err != nil {
		slog.Warn("Client.Complete: request failed", "error", err, "model", c.model)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyContent
	}
	slog.Debug("Client.Complete: received response", "model", c.model, "len", len(content), "elapsed", time.Since(start))
	return content, nil
}

func firstChoice(resp openai.ChatCompletion) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
