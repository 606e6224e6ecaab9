// Package testutil provides fake speech platforms and HTTP assertion helpers
// shared by AnchorLoop tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/speech"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// FakeSynthesizer is an in-memory speech.Synthesizer. Utterances never finish
// on their own; call Finish to simulate natural completion.
type FakeSynthesizer struct {
	mu       sync.Mutex
	voices   []models.VoiceProfile
	handlers speech.SynthesisHandlers
	spoken   []speech.SpeechRequest
	cancels  int
	primes   int
	speakErr error
}

// NewFakeSynthesizer returns a synthesizer offering voices.
func NewFakeSynthesizer(voices ...models.VoiceProfile) *FakeSynthesizer {
	return &FakeSynthesizer{voices: voices}
}

func (f *FakeSynthesizer) Voices() []models.VoiceProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.VoiceProfile(nil), f.voices...)
}

func (f *FakeSynthesizer) Speak(req speech.SpeechRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.speakErr != nil {
		return f.speakErr
	}
	f.spoken = append(f.spoken, req)
	return nil
}

func (f *FakeSynthesizer) Cancel() {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

func (f *FakeSynthesizer) SetHandlers(h speech.SynthesisHandlers) {
	f.mu.Lock()
	f.handlers = h
	f.mu.Unlock()
}

func (f *FakeSynthesizer) Prime() {
	f.mu.Lock()
	f.primes++
	f.mu.Unlock()
}

// FailSpeak makes subsequent Speak calls return err.
func (f *FakeSynthesizer) FailSpeak(err error) {
	f.mu.Lock()
	f.speakErr = err
	f.mu.Unlock()
}

// SetVoices replaces the voice list and fires the voices-changed signal.
func (f *FakeSynthesizer) SetVoices(voices ...models.VoiceProfile) {
	f.mu.Lock()
	f.voices = voices
	fn := f.handlers.OnVoicesChanged
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Finish signals natural completion of the utterance with token.
func (f *FakeSynthesizer) Finish(token uint64) {
	f.mu.Lock()
	fn := f.handlers.OnDone
	f.mu.Unlock()
	if fn != nil {
		fn(token)
	}
}

// FinishLast signals completion of the most recent utterance.
func (f *FakeSynthesizer) FinishLast() {
	if req, ok := f.Last(); ok {
		f.Finish(req.Token)
	}
}

// Spoken returns every request received so far.
func (f *FakeSynthesizer) Spoken() []speech.SpeechRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]speech.SpeechRequest(nil), f.spoken...)
}

// Last returns the most recent request.
func (f *FakeSynthesizer) Last() (speech.SpeechRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spoken) == 0 {
		return speech.SpeechRequest{}, false
	}
	return f.spoken[len(f.spoken)-1], true
}

// Cancels returns how many times Cancel was called.
func (f *FakeSynthesizer) Cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

// Primes returns how many times Prime was called.
func (f *FakeSynthesizer) Primes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.primes
}

// FakeRecognizer is an in-memory speech.Recognizer that records every session
// it opens. Sessions only produce events when the test drives them, and a
// stopped session stays live until End, Fail or Say unless EndOnStop is set.
type FakeRecognizer struct {
	mu        sync.Mutex
	sessions  []*FakeSession
	openErr   error
	opened    chan *FakeSession
	overlaps  int
	endOnStop bool
}

// NewFakeRecognizer returns an empty recognizer.
func NewFakeRecognizer() *FakeRecognizer {
	return &FakeRecognizer{opened: make(chan *FakeSession, 256)}
}

func (f *FakeRecognizer) Open(cfg speech.SessionConfig, h speech.SessionHandlers) (speech.Session, error) {
	f.mu.Lock()
	if f.openErr != nil {
		err := f.openErr
		f.mu.Unlock()
		return nil, err
	}
	for _, prev := range f.sessions {
		if !prev.Done() {
			f.overlaps++
			break
		}
	}
	s := &FakeSession{Config: cfg, handlers: h, endOnStop: f.endOnStop}
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	select {
	case f.opened <- s:
	default:
	}
	return s, nil
}

// EndOnStop makes sessions opened afterwards report their end as soon as
// they are stopped, like a platform that confirms an abort at once.
func (f *FakeRecognizer) EndOnStop(on bool) {
	f.mu.Lock()
	f.endOnStop = on
	f.mu.Unlock()
}

// FailOpen makes subsequent Open calls return err. Pass nil to clear.
func (f *FakeRecognizer) FailOpen(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

// Sessions returns every session opened so far.
func (f *FakeRecognizer) Sessions() []*FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeSession(nil), f.sessions...)
}

// OpenCount returns how many sessions were opened.
func (f *FakeRecognizer) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// Overlaps returns how many times Open was called while an earlier session
// had not ended. Stopping a session does not end it.
func (f *FakeRecognizer) Overlaps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlaps
}

// LiveCount returns how many opened sessions have not ended.
func (f *FakeRecognizer) LiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if !s.Done() {
			n++
		}
	}
	return n
}

// WaitOpen returns the next opened session, or nil after timeout.
func (f *FakeRecognizer) WaitOpen(timeout time.Duration) *FakeSession {
	select {
	case s := <-f.opened:
		return s
	case <-time.After(timeout):
		return nil
	}
}

// FakeSession is one session opened by FakeRecognizer.
type FakeSession struct {
	Config speech.SessionConfig

	mu        sync.Mutex
	handlers  speech.SessionHandlers
	stopped   bool
	ended     bool
	endOnStop bool
}

func (s *FakeSession) Stop() {
	s.mu.Lock()
	s.stopped = true
	end := s.endOnStop && !s.ended
	s.mu.Unlock()
	if end {
		s.End()
	}
}

// Stopped reports whether Stop was called.
func (s *FakeSession) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Done reports whether the session has ended.
func (s *FakeSession) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Begin fires the start event.
func (s *FakeSession) Begin() {
	if fn := s.handlers.OnStart; fn != nil {
		fn()
	}
}

// Say fires a final result followed by the end event. The session counts as
// ended before any handler runs, as a real recognizer has closed by then.
func (s *FakeSession) Say(transcript string) {
	s.markEnded()
	if fn := s.handlers.OnResult; fn != nil {
		fn(transcript, true)
	}
	s.fireEnd()
}

// Fail fires an error followed by the end event.
func (s *FakeSession) Fail(code speech.ErrorCode) {
	s.markEnded()
	if fn := s.handlers.OnError; fn != nil {
		fn(code)
	}
	s.fireEnd()
}

// Report fires an error but leaves the session live until End.
func (s *FakeSession) Report(code speech.ErrorCode) {
	if fn := s.handlers.OnError; fn != nil {
		fn(code)
	}
}

// End fires the end event.
func (s *FakeSession) End() {
	s.markEnded()
	s.fireEnd()
}

func (s *FakeSession) markEnded() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

func (s *FakeSession) fireEnd() {
	if fn := s.handlers.OnEnd; fn != nil {
		fn()
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
			return nil
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
