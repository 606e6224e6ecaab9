package genai

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/sentiment"
)

// DefaultReplyTimeout bounds a single provider call.
const DefaultReplyTimeout = 20 * time.Second

// ReplyObserver receives one observation per GetReply call.
type ReplyObserver interface {
	ObserveReply(provider string, elapsed time.Duration, fallback bool)
}

// Engine turns an utterance into a sponsor reply. It never fails: provider
// errors are replaced by FallbackReply and kept as a diagnostic.
type Engine struct {
	completer Completer
	system    string
	timeout   time.Duration
	observer  ReplyObserver

	mu      sync.Mutex
	lastErr string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPersonaName replaces the persona's display name in the system prompt.
func WithPersonaName(name string) EngineOption {
	return func(e *Engine) { e.system = SystemPrompt(name) }
}

// WithReplyTimeout bounds each provider call.
func WithReplyTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithReplyObserver attaches a metrics observer.
func WithReplyObserver(o ReplyObserver) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// NewEngine creates an Engine over the given provider. A nil provider is
// allowed and makes every reply the fallback.
func NewEngine(c Completer, opts ...EngineOption) *Engine {
	e := &Engine{
		completer: c,
		system:    SystemPrompt(""),
		timeout:   DefaultReplyTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetReply calls the provider once and parses its answer.
func (e *Engine) GetReply(ctx context.Context, utterance string) models.ReplyResult {
	start := time.Now()
	provider := "none"
	if e.completer != nil {
		provider = e.completer.Name()
	}

	result, err := e.complete(ctx, utterance)
	if err != nil {
		slog.Warn("Engine.GetReply: using fallback reply", "provider", provider, "error", err)
		e.setLastError(err.Error())
		result = Fallback()
	} else {
		e.setLastError("")
	}
	if e.observer != nil {
		e.observer.ObserveReply(provider, time.Since(start), result.Fallback)
	}
	slog.Debug("Engine.GetReply: reply ready", "provider", provider, "sentiment", result.Sentiment, "fallback", result.Fallback, "elapsed", time.Since(start))
	return result
}

func (e *Engine) complete(ctx context.Context, utterance string) (res models.ReplyResult, err error) {
	if e.completer == nil {
		return res, ErrAPIKeyNotSet
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine.complete: provider panicked", "panic", r)
			err = errProviderPanic
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	raw, err := e.completer.Complete(callCtx, e.system, UserPrompt(utterance))
	if err != nil {
		return res, err
	}
	res = ParseReply(raw)
	if res.Text == "" {
		return res, ErrEmptyContent
	}
	return res, nil
}

// LastError returns the error text of the most recent failed call, or "" if
// the most recent call succeeded.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) setLastError(s string) {
	e.mu.Lock()
	e.lastErr = s
	e.mu.Unlock()
}

// Fallback returns the fixed fallback reply.
func Fallback() models.ReplyResult {
	return models.ReplyResult{Text: FallbackReply, Sentiment: sentiment.Unknown.String(), Fallback: true}
}
