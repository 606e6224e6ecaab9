// Package console is a terminal speech platform: each line read from the
// input is one recognized utterance and replies are printed instead of played.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/speech"
)

// QuitCommand ends console input.
const QuitCommand = "/quit"

// Defaults for console output.
const (
	DefaultSpeakerName  = "M.A.T.T."
	DefaultWordDuration = 150 * time.Millisecond
	DefaultPrompt       = "you> "
)

// ErrInputClosed is returned by Open once input has ended.
var ErrInputClosed = errors.New("console input closed")

// Voice is the single voice the console offers.
var Voice = models.VoiceProfile{ID: "console", Lang: speech.DefaultLang, Label: "Console text voice"}

// Platform implements speech.Recognizer and speech.Synthesizer on a reader
// and a writer.
type Platform struct {
	in           io.Reader
	out          io.Writer
	speaker      string
	prompt       string
	wordDuration time.Duration

	outMu sync.Mutex

	mu          sync.Mutex
	listening   *session
	pending     []string
	inputClosed bool
	handlers    speech.SynthesisHandlers
	speaking    uint64
	speechTimer *time.Timer

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Platform.
type Option func(*Platform)

// WithSpeakerName sets the name printed before each reply.
func WithSpeakerName(name string) Option {
	return func(p *Platform) {
		if name != "" {
			p.speaker = name
		}
	}
}

// WithPrompt sets the prompt printed when a session starts listening.
func WithPrompt(prompt string) Option {
	return func(p *Platform) {
		p.prompt = prompt
	}
}

// WithWordDuration sets how long each word takes to "speak" at rate 1.0.
func WithWordDuration(d time.Duration) Option {
	return func(p *Platform) {
		if d >= 0 {
			p.wordDuration = d
		}
	}
}

// New creates a Platform and starts reading lines from in.
func New(in io.Reader, out io.Writer, opts ...Option) *Platform {
	p := &Platform{
		in:           in,
		out:          out,
		speaker:      DefaultSpeakerName,
		prompt:       DefaultPrompt,
		wordDuration: DefaultWordDuration,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.readLines()
	return p
}

// Done is closed when input reaches EOF or the quit command.
func (p *Platform) Done() <-chan struct{} {
	return p.done
}

func (p *Platform) readLines() {
	scanner := bufio.NewScanner(p.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == QuitCommand {
			break
		}
		p.deliver(line)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("Platform.readLines: input failed", "error", err)
	}
	p.endInput()
}

// deliver hands line to the listening session, or queues it for the next one.
func (p *Platform) deliver(line string) {
	p.mu.Lock()
	s := p.listening
	if s == nil {
		p.pending = append(p.pending, line)
		p.mu.Unlock()
		return
	}
	p.listening = nil
	p.mu.Unlock()
	s.hear(line)
}

func (p *Platform) endInput() {
	p.mu.Lock()
	p.inputClosed = true
	s := p.listening
	p.listening = nil
	p.mu.Unlock()
	if s != nil {
		s.fail(speech.CodeAborted)
	}
	p.closeOnce.Do(func() { close(p.done) })
	slog.Info("Platform.endInput: console input closed")
}

// Open starts listening for the next line.
func (p *Platform) Open(cfg speech.SessionConfig, h speech.SessionHandlers) (speech.Session, error) {
	s := &session{platform: p, handlers: h}

	p.mu.Lock()
	if p.inputClosed {
		p.mu.Unlock()
		return nil, ErrInputClosed
	}
	if p.listening != nil {
		p.mu.Unlock()
		return nil, speech.ErrSessionActive
	}
	if len(p.pending) > 0 {
		line := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()
		go func() {
			s.started()
			s.hear(line)
		}()
		return s, nil
	}
	p.listening = s
	p.mu.Unlock()

	go s.started()
	p.write(p.prompt)
	slog.Debug("Platform.Open: listening", "session", cfg.ID)
	return s, nil
}

// Voices returns the fixed console voice.
func (p *Platform) Voices() []models.VoiceProfile {
	return []models.VoiceProfile{Voice}
}

// SetHandlers installs synthesizer handlers.
func (p *Platform) SetHandlers(h speech.SynthesisHandlers) {
	p.mu.Lock()
	p.handlers = h
	p.mu.Unlock()
}

// Speak prints the reply and reports completion after a delay proportional
// to its word count and rate.
func (p *Platform) Speak(req speech.SpeechRequest) error {
	rate := req.Rate
	if rate <= 0 {
		rate = models.DefaultSpeechMultiplier
	}
	words := len(strings.Fields(req.Text))
	delay := time.Duration(float64(p.wordDuration) * float64(words) / rate)

	p.mu.Lock()
	if p.speechTimer != nil {
		p.speechTimer.Stop()
	}
	p.speaking = req.Token
	token := req.Token
	p.speechTimer = time.AfterFunc(delay, func() { p.finishSpeech(token) })
	p.mu.Unlock()

	p.write(fmt.Sprintf("%s: %s\n", p.speaker, req.Text))
	return nil
}

// Cancel drops the utterance being spoken without reporting completion.
func (p *Platform) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.speechTimer != nil {
		p.speechTimer.Stop()
		p.speechTimer = nil
	}
	p.speaking = 0
}

func (p *Platform) finishSpeech(token uint64) {
	p.mu.Lock()
	if p.speaking != token {
		p.mu.Unlock()
		return
	}
	p.speaking = 0
	p.speechTimer = nil
	fn := p.handlers.OnDone
	p.mu.Unlock()
	if fn != nil {
		fn(token)
	}
}

func (p *Platform) write(s string) {
	if s == "" {
		return
	}
	p.outMu.Lock()
	defer p.outMu.Unlock()
	if _, err := io.WriteString(p.out, s); err != nil {
		slog.Warn("Platform.write: output failed", "error", err)
	}
}

type session struct {
	platform *Platform
	handlers speech.SessionHandlers
	ended    sync.Once
}

func (s *session) started() {
	if s.handlers.OnStart != nil {
		s.handlers.OnStart()
	}
}

func (s *session) hear(line string) {
	s.ended.Do(func() {
		if line == "" {
			if s.handlers.OnError != nil {
				s.handlers.OnError(speech.CodeNoSpeech)
			}
		} else if s.handlers.OnResult != nil {
			s.handlers.OnResult(line, true)
		}
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

// Stop ends the session. A line typed afterwards goes to the next session.
func (s *session) Stop() {
	p := s.platform
	p.mu.Lock()
	if p.listening == s {
		p.listening = nil
	}
	p.mu.Unlock()
	go s.ended.Do(func() {
		if s.handlers.OnEnd != nil {
			s.handlers.OnEnd()
		}
	})
}
