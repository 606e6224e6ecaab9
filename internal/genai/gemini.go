package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gemini "google.golang.org/genai"
)

// Default Gemini request parameters.
const (
	DefaultGeminiModel           = "gemini-1.5-flash"
	DefaultGeminiMaxTokens int32 = 160
)

// contentGenerator is the subset of gemini.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*gemini.Content, config *gemini.GenerateContentConfig) (*gemini.GenerateContentResponse, error)
}

// GeminiClient is a Completer backed by the Gemini generateContent API.
type GeminiClient struct {
	models      contentGenerator
	model       string
	temperature float32
	maxTokens   int32
	debugMode   bool
	stateDir    string
}

// NewGeminiClient creates a Gemini-backed Completer.
func NewGeminiClient(ctx context.Context, opts ...Option) (*GeminiClient, error) {
	cfg := applyOpts(opts)
	if cfg.APIKey == "" {
		slog.Error("genai.NewGeminiClient: Gemini API key not set")
		return nil, fmt.Errorf("gemini: %w", ErrAPIKeyNotSet)
	}
	cc := &gemini.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: gemini.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = gemini.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	cli, err := gemini.NewClient(ctx, cc)
	if err != nil {
		slog.Error("genai.NewGeminiClient: failed to create client", "error", err)
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	maxTokens := DefaultGeminiMaxTokens
	if cfg.MaxTokens > 0 {
		maxTokens = int32(cfg.MaxTokens)
	}
	slog.Debug("genai.NewGeminiClient: Gemini client created", "model", model, "debug", cfg.DebugMode)
	return &GeminiClient{
		models:      cli.Models,
		model:       model,
		temperature: float32(cfg.Temperature),
		maxTokens:   maxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Name identifies the provider in logs and metrics.
func (g *GeminiClient) Name() string { return "gemini" }

// Complete sends the persona as the system instruction and the user prompt as
// the only content, requesting a JSON body.
func (g *GeminiClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	config := &gemini.GenerateContentConfig{
		SystemInstruction: gemini.NewContentFromText(systemPrompt, gemini.RoleUser),
		Temperature:       gemini.Ptr(g.temperature),
		MaxOutputTokens:   g.maxTokens,
		ResponseMIMEType:  "application/json",
	}
	slog.Debug("GeminiClient.Complete: sending request", "model", g.model, "user_len", len(userPrompt))

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, g.model, gemini.Text(userPrompt), config)
	var text string
	if err == nil && resp != nil {
		text = strings.TrimSpace(resp.Text())
	}
	if g.debugMode && g.stateDir != "" {
		writeDebugEntry(g.stateDir, debugEntry{
			Method:   "Complete",
			Provider: g.Name(),
			Model:    g.model,
			System:   systemPrompt,
			User:     userPrompt,
			Response: text,
			Error:    errString(err),
			Elapsed:  time.Since(start).String(),
		})
	}
	if err != nil {
		slog.Warn("GeminiClient.Complete: request failed", "error", err, "model", g.model)
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ErrNoChoicesReturned
	}
	if text == "" {
		return "", ErrEmptyContent
	}
	slog.Debug("GeminiClient.Complete: received response", "model", g.model, "len", len(text), "elapsed", time.Since(start))
	return text, nil
}
