// Package wsbridge is a speech platform backed by a browser. The browser owns
// the real recognition and synthesis engines; the bridge drives them over a
// websocket with JSON frames. With no browser connected both capabilities
// are absent.
package wsbridge

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/speech"
)

// Defaults for connection handling.
const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultPingInterval     = 20 * time.Second
	DefaultMaxMessageBytes  = 64 * 1024
	sendBuffer              = 64
)

// ErrClientGone is returned when a frame cannot be queued for the browser.
var ErrClientGone = errors.New("browser client disconnected")

// Bridge implements speech.Recognizer, speech.Synthesizer and speech.Primer
// on top of the connected browser, and serves the websocket endpoint.
type Bridge struct {
	upgrader         websocket.Upgrader
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	pingInterval     time.Duration

	mu       sync.Mutex
	client   *client
	voices   []models.VoiceProfile
	handlers speech.SynthesisHandlers
	sessions map[speech.SessionID]*session
	speaking uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithHandshakeTimeout bounds the wait for the hello frame.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.handshakeTimeout = d
		}
	}
}

// WithPingInterval sets the keepalive ping interval.
func WithPingInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.pingInterval = d
		}
	}
}

// WithCheckOrigin replaces the origin check used during the upgrade.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(b *Bridge) {
		b.upgrader.CheckOrigin = fn
	}
}

// New creates a Bridge with no browser attached.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		handshakeTimeout: DefaultHandshakeTimeout,
		writeTimeout:     DefaultWriteTimeout,
		pingInterval:     DefaultPingInterval,
		sessions:         make(map[speech.SessionID]*session),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connected reports whether a browser is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil
}

// ServeHTTP upgrades the request and attaches the browser. A new connection
// replaces the previous one.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Bridge.ServeHTTP: upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(DefaultMaxMessageBytes)

	_ = conn.SetReadDeadline(time.Now().Add(b.handshakeTimeout))
	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != TypeHello {
		slog.Warn("Bridge.ServeHTTP: bad handshake", "error", err, "type", hello.Type)
		_ = conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
		_ = conn.WriteJSON(Frame{Type: TypeError, Message: "first frame must be hello"})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &client{
		conn:        conn,
		recognition: hello.Recognition,
		synthesis:   hello.Synthesis,
		send:        make(chan Frame, sendBuffer),
		done:        make(chan struct{}),
	}
	b.attach(c, hello.Voices)
	slog.Info("Bridge.ServeHTTP: browser attached", "remote", r.RemoteAddr, "recognition", c.recognition, "synthesis", c.synthesis)

	go c.writeLoop(b.writeTimeout, b.pingInterval)
	b.readLoop(c)
	b.detach(c)
	c.close()
	slog.Info("Bridge.ServeHTTP: browser detached", "remote", r.RemoteAddr)
}

func (b *Bridge) attach(c *client, voices []models.VoiceProfile) {
	b.mu.Lock()
	old := b.client
	b.mu.Unlock()
	if old != nil {
		b.detach(old)
		old.close()
	}

	b.mu.Lock()
	b.client = c
	b.voices = append([]models.VoiceProfile(nil), voices...)
	fn := b.handlers.OnVoicesChanged
	b.mu.Unlock()
	if fn != nil && len(voices) > 0 {
		fn()
	}
}

// detach drops c if it is still the attached client. Open sessions fail with
// a network error and an utterance still playing is reported complete so the
// turn is not left waiting on a browser that is gone.
func (b *Bridge) detach(c *client) {
	b.mu.Lock()
	if b.client != c {
		b.mu.Unlock()
		return
	}
	b.client = nil
	sessions := b.sessions
	b.sessions = make(map[speech.SessionID]*session)
	token := b.speaking
	b.speaking = 0
	hadVoices := len(b.voices) > 0
	b.voices = nil
	h := b.handlers
	b.mu.Unlock()

	for _, s := range sessions {
		s.fail(speech.CodeNetwork)
	}
	if token != 0 && h.OnDone != nil {
		h.OnDone(token)
	}
	if hadVoices && h.OnVoicesChanged != nil {
		h.OnVoicesChanged()
	}
}

func (b *Bridge) readLoop(c *client) {
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("Bridge.readLoop: read failed", "error", err)
			}
			return
		}
		b.handleFrame(c, f)
	}
}

func (b *Bridge) handleFrame(c *client, f Frame) {
	switch f.Type {
	case TypeVoices:
		b.mu.Lock()
		if b.client != c {
			b.mu.Unlock()
			return
		}
		b.voices = append([]models.VoiceProfile(nil), f.Voices...)
		fn := b.handlers.OnVoicesChanged
		b.mu.Unlock()
		if fn != nil {
			fn()
		}
	case TypeRecognitionStart, TypeRecognitionResult, TypeRecognitionError, TypeRecognitionEnd:
		b.handleRecognition(c, f)
	case TypeSynthesisDone:
		b.mu.Lock()
		if b.client != c || f.Token == 0 || f.Token != b.speaking {
			b.mu.Unlock()
			slog.Debug("Bridge.handleFrame: ignoring stale synthesis.done", "token", f.Token)
			return
		}
		b.speaking = 0
		fn := b.handlers.OnDone
		b.mu.Unlock()
		if fn != nil {
			fn(f.Token)
		}
	default:
		slog.Debug("Bridge.handleFrame: unknown frame", "type", f.Type)
		c.enqueue(Frame{Type: TypeError, Message: "unknown frame type " + f.Type})
	}
}

func (b *Bridge) handleRecognition(c *client, f Frame) {
	b.mu.Lock()
	s, ok := b.sessions[f.Session]
	if ok && f.Type == TypeRecognitionEnd {
		delete(b.sessions, f.Session)
	}
	b.mu.Unlock()
	if !ok || s.client != c {
		slog.Debug("Bridge.handleRecognition: frame for unknown session", "type", f.Type, "session", f.Session)
		return
	}

	h := s.handlers
	switch f.Type {
	case TypeRecognitionStart:
		if h.OnStart != nil {
			h.OnStart()
		}
	case TypeRecognitionResult:
		if h.OnResult != nil {
			h.OnResult(f.Transcript, f.Final)
		}
	case TypeRecognitionError:
		if h.OnError != nil {
			h.OnError(f.Code)
		}
	case TypeRecognitionEnd:
		s.end()
	}
}

// Open asks the browser to start a recognition session. It fails with
// ErrSessionActive until the previous session's recognition.end arrives.
func (b *Bridge) Open(cfg speech.SessionConfig, h speech.SessionHandlers) (speech.Session, error) {
	b.mu.Lock()
	c := b.client
	if c == nil || !c.recognition {
		b.mu.Unlock()
		return nil, speech.ErrRecognitionUnavailable
	}
	// The browser has one microphone; a session holds it until recognition.end.
	for id, prev := range b.sessions {
		if prev.client == c {
			b.mu.Unlock()
			slog.Warn("Bridge.Open: previous recognition session has not ended", "session", id)
			return nil, speech.ErrSessionActive
		}
	}
	s := &session{bridge: b, client: c, id: cfg.ID, handlers: h}
	b.sessions[cfg.ID] = s
	b.mu.Unlock()

	err := c.enqueue(Frame{
		Type:           TypeRecognitionStart,
		Session:        cfg.ID,
		Lang:           cfg.Lang,
		Continuous:     cfg.Continuous,
		InterimResults: cfg.InterimResults,
	})
	if err != nil {
		b.mu.Lock()
		delete(b.sessions, cfg.ID)
		b.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// Voices returns the browser's voice list, or nil with no browser attached.
func (b *Bridge) Voices() []models.VoiceProfile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.VoiceProfile(nil), b.voices...)
}

// SetHandlers installs synthesizer handlers.
func (b *Bridge) SetHandlers(h speech.SynthesisHandlers) {
	b.mu.Lock()
	b.handlers = h
	b.mu.Unlock()
}

// Speak sends the utterance to the browser.
func (b *Bridge) Speak(req speech.SpeechRequest) error {
	b.mu.Lock()
	c := b.client
	if c == nil || !c.synthesis {
		b.mu.Unlock()
		return speech.ErrSynthesisUnavailable
	}
	b.speaking = req.Token
	b.mu.Unlock()

	err := c.enqueue(Frame{
		Type:    TypeSynthesisSpeak,
		Token:   req.Token,
		Text:    req.Text,
		VoiceID: req.VoiceID,
		Lang:    req.Lang,
		Rate:    req.Rate,
		Pitch:   req.Pitch,
	})
	if err != nil {
		b.mu.Lock()
		if b.speaking == req.Token {
			b.speaking = 0
		}
		b.mu.Unlock()
	}
	return err
}

// Cancel stops playback in the browser.
func (b *Bridge) Cancel() {
	b.mu.Lock()
	c := b.client
	b.speaking = 0
	b.mu.Unlock()
	if c != nil && c.synthesis {
		_ = c.enqueue(Frame{Type: TypeSynthesisCancel})
	}
}

// Prime asks the browser to play a silent utterance so later speech is
// allowed without a gesture.
func (b *Bridge) Prime() {
	b.mu.Lock()
	c := b.client
	b.mu.Unlock()
	if c != nil && c.synthesis {
		_ = c.enqueue(Frame{Type: TypeSynthesisPrime})
	}
}

// PublishStatus forwards a loop status snapshot to the browser.
func (b *Bridge) PublishStatus(st models.Status) {
	b.mu.Lock()
	c := b.client
	b.mu.Unlock()
	if c != nil {
		_ = c.enqueue(Frame{Type: TypeStatus, Status: &st})
	}
}

type session struct {
	bridge   *Bridge
	client   *client
	id       speech.SessionID
	handlers speech.SessionHandlers
	ended    sync.Once
}

// Stop asks the browser to stop. The session stays registered so the
// browser's closing events still reach Input, which drops them.
func (s *session) Stop() {
	_ = s.client.enqueue(Frame{Type: TypeRecognitionStop, Session: s.id})
}

func (s *session) end() {
	s.ended.Do(func() {
		if s.handlers.OnEnd != nil {
			s.handlers.OnEnd()
		}
	})
}

func (s *session) fail(code speech.ErrorCode) {
	s.ended.Do(func() {
		if s.handlers.OnError != nil {
			s.handlers.OnError(code)
		}
		if s.handlers.OnEnd != nil {
			s.handlers.OnEnd()
		}
	})
}

type client struct {
	conn        *websocket.Conn
	recognition bool
	synthesis   bool
	send        chan Frame
	done        chan struct{}
	closeOnce   sync.Once
}

// enqueue queues f for the writer without blocking.
func (c *client) enqueue(f Frame) error {
	select {
	case <-c.done:
		return ErrClientGone
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrClientGone
	default:
		slog.Warn("client.enqueue: send buffer full, dropping frame", "type", f.Type)
		return ErrClientGone
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writeLoop(writeTimeout, pingInterval time.Duration) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(f); err != nil {
				slog.Warn("client.writeLoop: write failed", "type", f.Type, "error", err)
				c.close()
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		}
	}
}
