package speech

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultDrainTimeout bounds how long a stopped session may take to report
// its end before Input stops waiting for it.
const DefaultDrainTimeout = 2 * time.Second

// SessionID identifies one recognition session. Events carry it so late
// events from an abandoned session can be told apart from the current one.
type SessionID string

// InputHandlers receives Input events. Every event for a session is delivered
// with that session's ID, and each session produces at most one terminal
// event (OnUtteranceFinal or OnError). OnSessionClosed fires once the
// platform session has ended and a new one may be opened.
type InputHandlers struct {
	OnListeningStarted func(id SessionID)
	OnUtteranceFinal   func(id SessionID, text string)
	OnError            func(id SessionID, code ErrorCode)
	OnSessionClosed    func(id SessionID)
}

// Input is the voice input component. It holds at most one platform
// recognition session at a time. A session counts until the platform reports
// its end, so a stopped session keeps the microphone until then.
type Input struct {
	rec          Recognizer
	lang         string
	drainTimeout time.Duration

	mu       sync.Mutex
	handlers InputHandlers
	// current is the session whose results are still wanted.
	current SessionID
	session Session
	// live is the platform session that has not ended yet. It equals current
	// while listening and outlives it after Stop or a terminal result.
	live       SessionID
	drainTimer *time.Timer
}

// InputOption configures an Input.
type InputOption func(*Input)

// WithInputLang sets the recognition locale.
func WithInputLang(lang string) InputOption {
	return func(in *Input) {
		if lang != "" {
			in.lang = lang
		}
	}
}

// WithDrainTimeout sets how long a stopped session may stay open.
func WithDrainTimeout(d time.Duration) InputOption {
	return func(in *Input) {
		if d > 0 {
			in.drainTimeout = d
		}
	}
}

// NewInput wraps rec. A nil rec yields an Input whose Start always reports
// ErrRecognitionUnavailable.
func NewInput(rec Recognizer, opts ...InputOption) *Input {
	in := &Input{rec: rec, lang: DefaultLang, drainTimeout: DefaultDrainTimeout}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Available reports whether a recognizer is present.
func (in *Input) Available() bool {
	return in.rec != nil
}

// SetHandlers installs the event handlers.
func (in *Input) SetHandlers(h InputHandlers) {
	in.mu.Lock()
	in.handlers = h
	in.mu.Unlock()
}

// Start opens a new single-utterance session. It returns ErrSessionActive
// while a session is open and ErrSessionDraining while a previous session
// has not yet ended.
func (in *Input) Start() (SessionID, error) {
	if in.rec == nil {
		return "", ErrRecognitionUnavailable
	}

	in.mu.Lock()
	if in.current != "" {
		in.mu.Unlock()
		return "", ErrSessionActive
	}
	if in.live != "" {
		in.mu.Unlock()
		return "", ErrSessionDraining
	}
	id := SessionID(uuid.NewString())
	in.current, in.live = id, id
	in.mu.Unlock()

	cfg := SessionConfig{ID: id, Lang: in.lang, Continuous: false, InterimResults: false}
	sess, err := in.rec.Open(cfg, SessionHandlers{
		OnStart:  func() { in.handleStart(id) },
		OnResult: func(text string, final bool) { in.handleResult(id, text, final) },
		OnError:  func(code ErrorCode) { in.handleError(id, code) },
		OnEnd:    func() { in.handleEnd(id) },
	})
	if err != nil {
		in.mu.Lock()
		if in.current == id {
			in.current = ""
		}
		if in.live == id {
			in.live = ""
		}
		in.mu.Unlock()
		slog.Warn("Input.Start: failed to open recognition session", "error", err)
		return "", fmt.Errorf("open recognition session: %w", err)
	}

	in.mu.Lock()
	if in.current == id {
		in.session = sess
	}
	in.mu.Unlock()
	slog.Debug("Input.Start: session opened", "session", id)
	return id, nil
}

// Stop ends the active session, if any. Events still arriving from it are
// dropped, and Start reports ErrSessionDraining until the platform confirms
// the end or the drain timeout passes. Stop is idempotent.
func (in *Input) Stop() {
	in.mu.Lock()
	sess, id := in.session, in.current
	in.session, in.current = nil, ""
	if id != "" {
		in.drainLocked(id)
	}
	in.mu.Unlock()
	if sess != nil {
		slog.Debug("Input.Stop: stopping session", "session", id)
		sess.Stop()
	}
}

// Active reports whether a session is open.
func (in *Input) Active() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.current != ""
}

// Draining reports whether a session that is no longer wanted has yet to end.
func (in *Input) Draining() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.live != "" && in.live != in.current
}

// Current returns the active session ID, or "" when none is open.
func (in *Input) Current() SessionID {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.current
}

func (in *Input) handleStart(id SessionID) {
	in.mu.Lock()
	ok := in.current == id
	fn := in.handlers.OnListeningStarted
	in.mu.Unlock()
	if ok && fn != nil {
		fn(id)
	}
}

func (in *Input) handleResult(id SessionID, text string, final bool) {
	if !final {
		return
	}
	if !in.finish(id) {
		slog.Debug("Input.handleResult: dropping result from stale session", "session", id)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		in.emitError(id, CodeNoSpeech)
		return
	}
	in.mu.Lock()
	fn := in.handlers.OnUtteranceFinal
	in.mu.Unlock()
	if fn != nil {
		fn(id, text)
	}
}

func (in *Input) handleError(id SessionID, code ErrorCode) {
	if !in.finish(id) {
		slog.Debug("Input.handleError: dropping error from stale session", "session", id, "code", code)
		return
	}
	in.emitError(id, code)
}

// handleEnd turns an end without any result or error into CodeNoResult, then
// frees the microphone.
func (in *Input) handleEnd(id SessionID) {
	if in.finish(id) {
		in.emitError(id, CodeNoResult)
	}
	in.release(id, "ended")
}

// abandon stops waiting for a session that never reported its end.
func (in *Input) abandon(id SessionID) {
	if in.release(id, "abandoned") {
		slog.Warn("Input.abandon: recognition session did not report its end", "session", id, "timeout", in.drainTimeout)
	}
}

// release clears the live session if it is id and reports OnSessionClosed.
func (in *Input) release(id SessionID, why string) bool {
	in.mu.Lock()
	if in.live != id {
		in.mu.Unlock()
		return false
	}
	in.live = ""
	if in.current == id {
		in.current, in.session = "", nil
	}
	if in.drainTimer != nil {
		in.drainTimer.Stop()
		in.drainTimer = nil
	}
	fn := in.handlers.OnSessionClosed
	in.mu.Unlock()
	slog.Debug("Input.release: recognition session closed", "session", id, "reason", why)
	if fn != nil {
		fn(id)
	}
	return true
}

// finish marks id as no longer wanted if it is current, reporting whether it
// was. The platform session stays live until its end.
func (in *Input) finish(id SessionID) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.current != id {
		return false
	}
	in.current, in.session = "", nil
	in.drainLocked(id)
	return true
}

// drainLocked arms the drain timeout for id while it is still live.
func (in *Input) drainLocked(id SessionID) {
	if in.live == id && in.drainTimer == nil {
		in.drainTimer = time.AfterFunc(in.drainTimeout, func() { in.abandon(id) })
	}
}

func (in *Input) emitError(id SessionID, code ErrorCode) {
	in.mu.Lock()
	fn := in.handlers.OnError
	in.mu.Unlock()
	if fn != nil {
		fn(id, code)
	}
}
