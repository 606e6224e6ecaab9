// Package conversation implements the turn-taking loop that connects voice
// input, the reply engine and voice output.
//
// The loop is a single-goroutine state machine. Platform callbacks, reply
// completions and timer expiries only post events; Run is the one place that
// reads or writes conversation state. Events that no longer match the current
// state, session, turn or speech token are dropped.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/speech"
)

// Defaults for the restart policy.
const (
	DefaultRestartDelay      = 600 * time.Millisecond
	DefaultMaxSilentRestarts = 8
)

var (
	// ErrTurnInProgress is returned by Submit while a reply is being fetched or spoken.
	ErrTurnInProgress = errors.New("a reply is already in progress")
	// ErrEmptyUtterance is returned by Submit for blank text.
	ErrEmptyUtterance = models.ErrEmptyUtterance
	// ErrLoopClosed is returned by commands after Run has exited.
	ErrLoopClosed = errors.New("conversation loop is not running")
)

// User-facing status messages.
const (
	msgRecognitionUnavailable = "Speech recognition isn't available here. You can type instead."
	msgRestartsExhausted      = "I stopped listening after a long quiet stretch. Press Start when you're ready to talk."
	msgMicrophoneFailed       = "Couldn't start the microphone. Press Start to try again."
)

// ReplyEngine produces the sponsor reply for one utterance. It must always
// return a non-empty reply.
type ReplyEngine interface {
	GetReply(ctx context.Context, utterance string) models.ReplyResult
}

// diagnoser is implemented by engines that keep the last provider error.
type diagnoser interface {
	LastError() string
}

// TurnRecorder persists completed turns.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, turn models.TurnRecord) error
}

// Observer receives loop telemetry. Calls happen on the loop goroutine and
// must not block.
type Observer interface {
	ObserveTransition(from, to models.ConversationState)
	ObserveRecognitionError(code speech.ErrorCode, class speech.ErrorClass)
	ObserveRestart(capped bool)
	ObserveTurn(turn models.TurnRecord)
}

// turn is one utterance on its way to being answered.
type turn struct {
	id         uint64
	recordID   string
	utterance  models.Utterance
	dispatched bool
	reply      models.ReplyResult
}

// Loop is the conversation state machine.
type Loop struct {
	input  *speech.Input
	output *speech.Output
	engine ReplyEngine
	timer  *Timer
	queue  *eventQueue

	restartDelay      time.Duration
	maxSilentRestarts int
	recorder          TurnRecorder
	observer          Observer
	recordTimeout     time.Duration

	// Owned by the Run goroutine.
	ctx            context.Context
	state          models.ConversationState
	active         bool
	session        speech.SessionID
	nextTurn       uint64
	current        *turn
	inflight       bool
	speakToken     uint64
	silentRestarts int
	restartID      string
	restartGen     uint64
	awaitingDrain  bool
	afterEvent     func()

	running  sync.Once
	done     chan struct{}
	recordWG sync.WaitGroup

	statusMu sync.RWMutex
	status   models.Status
	subs     map[chan models.Status]struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithRestartDelay sets the debounce delay before a silent restart.
func WithRestartDelay(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.restartDelay = d
		}
	}
}

// WithMaxSilentRestarts caps consecutive restarts without a final utterance.
func WithMaxSilentRestarts(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxSilentRestarts = n
		}
	}
}

// WithRecorder hands every completed turn to r.
func WithRecorder(r TurnRecorder) Option {
	return func(l *Loop) {
		l.recorder = r
	}
}

// WithObserver reports transitions, errors, restarts and turns to o.
func WithObserver(o Observer) Option {
	return func(l *Loop) {
		l.observer = o
	}
}

// NewLoop wires input, output and engine together. Call Run to start
// processing events.
func NewLoop(input *speech.Input, output *speech.Output, engine ReplyEngine, opts ...Option) *Loop {
	l := &Loop{
		input:             input,
		output:            output,
		engine:            engine,
		timer:             NewTimer(),
		queue:             newEventQueue(),
		restartDelay:      DefaultRestartDelay,
		maxSilentRestarts: DefaultMaxSilentRestarts,
		recordTimeout:     5 * time.Second,
		state:             models.StateIdle,
		done:              make(chan struct{}),
		subs:              make(map[chan models.Status]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.status = models.Status{
		State:     models.StateIdle,
		Voices:    output.Voices(),
		Settings:  output.Settings(),
		UpdatedAt: time.Now(),
	}

	input.SetHandlers(speech.InputHandlers{
		OnListeningStarted: func(id speech.SessionID) {
			l.queue.push(listeningStartedEvent{session: id})
		},
		OnUtteranceFinal: func(id speech.SessionID, text string) {
			l.queue.push(utteranceFinalEvent{session: id, text: text})
		},
		OnError: func(id speech.SessionID, code speech.ErrorCode) {
			l.queue.push(recognitionErrorEvent{session: id, code: code})
		},
		OnSessionClosed: func(id speech.SessionID) {
			l.queue.push(sessionClosedEvent{session: id})
		},
	})
	output.OnSpeechComplete(func(token uint64) {
		l.queue.push(speechCompleteEvent{token: token})
	})
	output.OnVoicesChanged(func(voices []models.VoiceProfile) {
		l.queue.push(voicesChangedEvent{voices: voices})
	})
	return l
}

// Run processes events until ctx is cancelled. On exit it releases the
// microphone and speaker and leaves the loop Idle.
func (l *Loop) Run(ctx context.Context) error {
	started := false
	l.running.Do(func() { started = true })
	if !started {
		return errors.New("conversation loop already running")
	}
	l.ctx = ctx
	slog.Info("Loop.Run: conversation loop started", "restart_delay", l.restartDelay, "max_silent_restarts", l.maxSilentRestarts)

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case <-l.queue.notify:
			for _, ev := range l.queue.drain() {
				l.handle(ev)
				if l.afterEvent != nil {
					l.afterEvent()
				}
			}
		}
	}
}

func (l *Loop) shutdown() {
	l.active = false
	l.current = nil
	l.timer.Stop()
	l.restartID = ""
	l.awaitingDrain = false
	l.output.Cancel()
	l.input.Stop()
	l.session = ""
	l.setState(models.StateIdle)
	close(l.done)
	l.recordWG.Wait()

	// Answer commands that raced with shutdown.
	for _, ev := range l.queue.drain() {
		if ch := replyChannel(ev); ch != nil {
			ch <- commandResult{err: ErrLoopClosed}
		}
	}

	l.statusMu.Lock()
	for ch := range l.subs {
		close(ch)
		delete(l.subs, ch)
	}
	l.statusMu.Unlock()
	slog.Info("Loop.Run: conversation loop stopped")
}

func (l *Loop) handle(ev event) {
	switch e := ev.(type) {
	case startCommand:
		e.reply <- commandResult{err: l.handleStart()}
	case stopCommand:
		l.handleStop()
		e.reply <- commandResult{}
	case submitCommand:
		e.reply <- commandResult{err: l.handleSubmit(e.text)}
	case selectVoiceCommand:
		err := l.output.SelectVoice(e.id)
		l.refreshSettings()
		e.reply <- commandResult{err: err}
	case setRateCommand:
		v := l.output.SetRate(e.value)
		l.refreshSettings()
		e.reply <- commandResult{value: v}
	case setPitchCommand:
		v := l.output.SetPitch(e.value)
		l.refreshSettings()
		e.reply <- commandResult{value: v}
	case syncCommand:
		e.reply <- commandResult{}
	case listeningStartedEvent:
		if e.session == l.session {
			slog.Debug("Loop.handle: listening started", "session", e.session)
		}
	case utteranceFinalEvent:
		l.handleUtteranceFinal(e)
	case recognitionErrorEvent:
		l.handleRecognitionError(e)
	case replyEvent:
		l.handleReply(e)
	case speechCompleteEvent:
		l.handleSpeechComplete(e)
	case restartEvent:
		l.handleRestart(e)
	case sessionClosedEvent:
		l.handleSessionClosed(e)
	case voicesChangedEvent:
		l.updateStatus(func(s *models.Status) {
			s.Voices = e.voices
			s.Settings = l.output.Settings()
		})
	default:
		slog.Warn("Loop.handle: unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

func (l *Loop) handleStart() error {
	l.output.Unlock()
	if !l.input.Available() {
		slog.Warn("Loop.handleStart: speech recognition unavailable")
		l.updateStatus(func(s *models.Status) { s.LastError = msgRecognitionUnavailable })
		return speech.ErrRecognitionUnavailable
	}
	if l.active {
		slog.Debug("Loop.handleStart: already active", "state", l.state)
		return nil
	}

	l.active = true
	l.silentRestarts = 0
	l.updateStatus(func(s *models.Status) {
		s.Active = true
		s.LastError = ""
		s.SilentRestarts = 0
	})
	slog.Info("Loop.handleStart: conversation started", "state", l.state)

	// A typed turn already in progress resumes listening once it has been spoken.
	if l.state != models.StateIdle {
		return nil
	}
	return l.beginListening()
}

func (l *Loop) handleStop() {
	wasActive := l.active
	l.active = false
	l.current = nil
	l.cancelRestart()
	l.awaitingDrain = false
	l.output.Cancel()
	l.input.Stop()
	l.session = ""
	l.speakToken = 0
	l.setState(models.StateIdle)
	l.updateStatus(func(s *models.Status) { s.Active = false })
	if wasActive {
		slog.Info("Loop.handleStop: conversation stopped")
	}
}

func (l *Loop) handleSubmit(text string) error {
	u, err := models.NewUtterance(text, models.OriginTyped)
	if err != nil {
		return err
	}
	if l.state == models.StateThinking || l.state == models.StateSpeaking {
		slog.Debug("Loop.handleSubmit: rejecting submit during turn", "state", l.state)
		return ErrTurnInProgress
	}

	l.output.Unlock()
	if l.state == models.StateListening {
		l.cancelRestart()
		l.awaitingDrain = false
		l.input.Stop()
		l.session = ""
	}
	l.beginTurn(u)
	return nil
}

// beginListening opens a recognition session and enters Listening. While a
// previous session is still closing it enters Listening without one and
// opens it once that session reports its end.
func (l *Loop) beginListening() error {
	id, err := l.input.Start()
	switch {
	case err == nil:
		l.session = id
		l.setState(models.StateListening)
		return nil
	case errors.Is(err, speech.ErrSessionDraining):
		slog.Debug("Loop.beginListening: waiting for the previous session to close")
		l.session = ""
		l.awaitingDrain = true
		l.setState(models.StateListening)
		return nil
	case errors.Is(err, speech.ErrRecognitionUnavailable):
		l.active = false
		l.setState(models.StateIdle)
		l.updateStatus(func(s *models.Status) {
			s.Active = false
			s.LastError = msgRecognitionUnavailable
		})
		return err
	default:
		slog.Warn("Loop.beginListening: failed to start recognition", "error", err)
		l.session = ""
		l.setState(models.StateListening)
		if !l.scheduleRestart() {
			return err
		}
		return nil
	}
}

func (l *Loop) handleUtteranceFinal(e utteranceFinalEvent) {
	if l.state != models.StateListening || e.session == "" || e.session != l.session {
		slog.Debug("Loop.handleUtteranceFinal: dropping stray utterance", "state", l.state, "session", e.session)
		return
	}
	l.input.Stop()
	l.session = ""
	l.silentRestarts = 0
	l.updateStatus(func(s *models.Status) { s.SilentRestarts = 0 })

	u, err := models.NewUtterance(models.TruncateUtterance(e.text), models.OriginSpoken)
	if err != nil {
		// Input never reports blank finals, but treat one like silence.
		l.scheduleRestart()
		return
	}
	l.beginTurn(u)
}

func (l *Loop) handleRecognitionError(e recognitionErrorEvent) {
	if l.state != models.StateListening || e.session == "" || e.session != l.session {
		slog.Debug("Loop.handleRecognitionError: dropping stray error", "state", l.state, "code", e.code)
		return
	}
	l.session = ""
	class := speech.Classify(e.code)
	if l.observer != nil {
		l.observer.ObserveRecognitionError(e.code, class)
	}

	if class.Retryable() {
		slog.Debug("Loop.handleRecognitionError: restarting after recoverable error", "code", e.code, "class", class)
		l.scheduleRestart()
		return
	}

	slog.Warn("Loop.handleRecognitionError: recognition failed", "code", e.code, "class", class)
	l.active = false
	l.cancelRestart()
	l.setState(models.StateIdle)
	l.updateStatus(func(s *models.Status) {
		s.Active = false
		s.LastError = speech.UserMessage(e.code)
	})
}

// scheduleRestart arranges one debounced Input.Start. It returns false when
// the silent-restart cap was hit and the loop stopped instead.
func (l *Loop) scheduleRestart() bool {
	if !l.active {
		l.setState(models.StateIdle)
		return false
	}
	l.silentRestarts++
	capped := l.silentRestarts > l.maxSilentRestarts
	if l.observer != nil {
		l.observer.ObserveRestart(capped)
	}
	if capped {
		slog.Info("Loop.scheduleRestart: too many silent restarts, stopping", "restarts", l.silentRestarts-1)
		l.handleStop()
		l.updateStatus(func(s *models.Status) {
			s.LastError = msgRestartsExhausted
			s.SilentRestarts = 0
		})
		l.silentRestarts = 0
		return false
	}

	l.cancelRestart()
	l.restartGen++
	gen := l.restartGen
	l.restartID = l.timer.ScheduleAfter(l.restartDelay, func() {
		l.queue.push(restartEvent{gen: gen})
	})
	n := l.silentRestarts
	l.updateStatus(func(s *models.Status) { s.SilentRestarts = n })
	return true
}

func (l *Loop) cancelRestart() {
	if l.restartID != "" {
		l.timer.Cancel(l.restartID)
		l.restartID = ""
	}
}

func (l *Loop) handleRestart(e restartEvent) {
	if l.restartID == "" || e.gen != l.restartGen {
		return
	}
	l.restartID = ""
	if !l.active || l.state != models.StateListening || l.session != "" || l.awaitingDrain {
		return
	}
	l.resumeListening()
}

// handleSessionClosed opens the session that was waiting on a closing one.
func (l *Loop) handleSessionClosed(e sessionClosedEvent) {
	if !l.awaitingDrain {
		return
	}
	l.awaitingDrain = false
	if !l.active || l.state != models.StateListening || l.session != "" || l.restartID != "" {
		return
	}
	slog.Debug("Loop.handleSessionClosed: previous session closed, listening again", "closed", e.session)
	l.resumeListening()
}

func (l *Loop) resumeListening() {
	if err := l.beginListening(); err != nil && !errors.Is(err, speech.ErrRecognitionUnavailable) {
		l.updateStatus(func(s *models.Status) { s.LastError = msgMicrophoneFailed })
	}
}

// beginTurn enters Thinking for u. The engine call is dispatched now, or held
// until an abandoned call returns, so at most one call is ever in flight.
func (l *Loop) beginTurn(u models.Utterance) {
	l.nextTurn++
	l.current = &turn{id: l.nextTurn, recordID: uuid.NewString(), utterance: u}
	l.setState(models.StateThinking)
	l.updateStatus(func(s *models.Status) { s.LastHeard = u.Text })
	slog.Info("Loop.beginTurn: utterance captured", "turn", l.current.id, "origin", u.Origin, "chars", len(u.Text))

	if l.inflight {
		slog.Debug("Loop.beginTurn: holding utterance until the previous reply returns", "turn", l.current.id)
		return
	}
	l.dispatch()
}

func (l *Loop) dispatch() {
	t := l.current
	t.dispatched = true
	l.inflight = true
	ctx := l.ctx
	go func(id uint64, text string) {
		result := l.engine.GetReply(ctx, text)
		l.queue.push(replyEvent{turn: id, result: result})
	}(t.id, t.utterance.Text)
}

func (l *Loop) handleReply(e replyEvent) {
	l.inflight = false
	if l.state != models.StateThinking || l.current == nil || l.current.id != e.turn {
		slog.Info("Loop.handleReply: discarding reply for abandoned turn", "turn", e.turn)
		if l.state == models.StateThinking && l.current != nil && !l.current.dispatched {
			l.dispatch()
		}
		return
	}

	l.current.reply = e.result
	diagnostic := ""
	if d, ok := l.engine.(diagnoser); ok {
		diagnostic = d.LastError()
	}
	l.updateStatus(func(s *models.Status) {
		s.LastReply = e.result.Text
		s.LastSentiment = e.result.Sentiment
		s.Diagnostic = diagnostic
	})

	l.setState(models.StateSpeaking)
	token, err := l.output.Speak(e.result.Text)
	if err != nil {
		slog.Info("Loop.handleReply: showing reply as text only", "error", err)
		l.finishTurn()
		return
	}
	l.speakToken = token
}

func (l *Loop) handleSpeechComplete(e speechCompleteEvent) {
	if l.state != models.StateSpeaking || e.token == 0 || e.token != l.speakToken {
		slog.Debug("Loop.handleSpeechComplete: ignoring stale completion", "token", e.token)
		return
	}
	l.speakToken = 0
	l.finishTurn()
}

// finishTurn records the spoken turn and returns to Listening or Idle.
func (l *Loop) finishTurn() {
	if t := l.current; t != nil {
		rec := models.TurnRecord{
			ID:            t.recordID,
			UtteranceText: t.utterance.Text,
			Origin:        t.utterance.Origin,
			ReplyText:     t.reply.Text,
			Sentiment:     t.reply.Sentiment,
			Fallback:      t.reply.Fallback,
			StartedAt:     t.utterance.Timestamp,
			CompletedAt:   time.Now(),
		}
		if l.observer != nil {
			l.observer.ObserveTurn(rec)
		}
		l.record(rec)
	}
	l.current = nil

	if !l.active {
		l.setState(models.StateIdle)
		return
	}
	l.resumeListening()
}

func (l *Loop) record(rec models.TurnRecord) {
	if l.recorder == nil {
		return
	}
	l.recordWG.Add(1)
	go func() {
		defer l.recordWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.recordTimeout)
		defer cancel()
		if err := l.recorder.RecordTurn(ctx, rec); err != nil {
			slog.Warn("Loop.record: failed to record turn", "turn", rec.ID, "error", err)
		}
	}()
}

func (l *Loop) setState(to models.ConversationState) {
	from := l.state
	if from == to {
		return
	}
	l.state = to
	slog.Debug("Loop.setState: transition", "from", from, "to", to)
	if l.observer != nil {
		l.observer.ObserveTransition(from, to)
	}
	l.updateStatus(func(s *models.Status) { s.State = to })
}

func (l *Loop) refreshSettings() {
	settings := l.output.Settings()
	l.updateStatus(func(s *models.Status) { s.Settings = settings })
}

// updateStatus applies fn to the published status and notifies subscribers.
func (l *Loop) updateStatus(fn func(*models.Status)) {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	fn(&l.status)
	l.status.UpdatedAt = time.Now()
	snapshot := l.status.Clone()
	for ch := range l.subs {
		// Latest wins: replace an unread update rather than block.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Status returns the current status snapshot.
func (l *Loop) Status() models.Status {
	l.statusMu.RLock()
	defer l.statusMu.RUnlock()
	return l.status.Clone()
}

// Subscribe returns a channel that receives the latest status after every
// change, and a function that unsubscribes. Slow readers only see the most
// recent update. The channel is closed when Run exits.
func (l *Loop) Subscribe() (<-chan models.Status, func()) {
	ch := make(chan models.Status, 1)
	l.statusMu.Lock()
	select {
	case <-l.done:
		close(ch)
		l.statusMu.Unlock()
		return ch, func() {}
	default:
	}
	l.subs[ch] = struct{}{}
	ch <- l.status.Clone()
	l.statusMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.statusMu.Lock()
			defer l.statusMu.Unlock()
			if _, ok := l.subs[ch]; ok {
				delete(l.subs, ch)
				close(ch)
			}
		})
	}
}

// Done is closed when Run has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Start begins hands-free listening. It counts as a user gesture.
func (l *Loop) Start(ctx context.Context) error {
	res, err := l.command(ctx, func(reply chan commandResult) event { return startCommand{reply: reply} })
	if err != nil {
		return err
	}
	return res.err
}

// Stop ends the conversation from any state. A reply still being fetched is
// discarded when it arrives.
func (l *Loop) Stop(ctx context.Context) error {
	_, err := l.command(ctx, func(reply chan commandResult) event { return stopCommand{reply: reply} })
	return err
}

// Submit sends typed text as an utterance. It counts as a user gesture.
func (l *Loop) Submit(ctx context.Context, text string) error {
	res, err := l.command(ctx, func(reply chan commandResult) event {
		return submitCommand{text: text, reply: reply}
	})
	if err != nil {
		return err
	}
	return res.err
}

// SelectVoice overrides the selected voice.
func (l *Loop) SelectVoice(ctx context.Context, id string) error {
	res, err := l.command(ctx, func(reply chan commandResult) event {
		return selectVoiceCommand{id: id, reply: reply}
	})
	if err != nil {
		return err
	}
	return res.err
}

// SetRate sets the speaking rate and returns the clamped value stored.
func (l *Loop) SetRate(ctx context.Context, rate float64) (float64, error) {
	res, err := l.command(ctx, func(reply chan commandResult) event {
		return setRateCommand{value: rate, reply: reply}
	})
	return res.value, err
}

// SetPitch sets the pitch and returns the clamped value stored.
func (l *Loop) SetPitch(ctx context.Context, pitch float64) (float64, error) {
	res, err := l.command(ctx, func(reply chan commandResult) event {
		return setPitchCommand{value: pitch, reply: reply}
	})
	return res.value, err
}

// Flush waits until every event posted before the call has been handled.
func (l *Loop) Flush(ctx context.Context) error {
	_, err := l.command(ctx, func(reply chan commandResult) event { return syncCommand{reply: reply} })
	return err
}

func (l *Loop) command(ctx context.Context, build func(chan commandResult) event) (commandResult, error) {
	select {
	case <-l.done:
		return commandResult{}, ErrLoopClosed
	default:
	}
	reply := make(chan commandResult, 1)
	l.queue.push(build(reply))
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	case <-l.done:
		// The command may still have been answered during shutdown.
		select {
		case res := <-reply:
			return res, nil
		default:
			return commandResult{}, ErrLoopClosed
		}
	}
}

func replyChannel(ev event) chan commandResult {
	switch e := ev.(type) {
	case startCommand:
		return e.reply
	case stopCommand:
		return e.reply
	case submitCommand:
		return e.reply
	case selectVoiceCommand:
		return e.reply
	case setRateCommand:
		return e.reply
	case setPitchCommand:
		return e.reply
	case syncCommand:
		return e.reply
	}
	return nil
}
