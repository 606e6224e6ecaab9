// Package speech wraps platform speech facilities: Output drives synthesis and
// voice selection, Input drives recognition with at most one session at a time.
//
// Platforms (console, websocket bridge, test fakes) implement Synthesizer and
// Recognizer. Their callbacks may arrive on any goroutine.
package speech

import "github.com/BTreeMap/AnchorLoop/internal/models"

// SpeechRequest is one utterance handed to a synthesizer.
type SpeechRequest struct {
	Token   uint64  `json:"token"`
	Text    string  `json:"text"`
	VoiceID string  `json:"voice_id,omitempty"`
	Lang    string  `json:"lang"`
	Rate    float64 `json:"rate"`
	Pitch   float64 `json:"pitch"`
}

// SynthesisHandlers receives synthesizer signals.
type SynthesisHandlers struct {
	// OnDone reports that the utterance with the given token finished playing.
	OnDone func(token uint64)
	// OnVoicesChanged reports that Voices may now return a different list.
	OnVoicesChanged func()
}

// Synthesizer is a platform speech-synthesis facility.
type Synthesizer interface {
	Voices() []models.VoiceProfile
	Speak(req SpeechRequest) error
	Cancel()
	SetHandlers(h SynthesisHandlers)
}

// Primer is implemented by synthesizers that must be woken by a silent
// utterance during a user gesture before they will speak.
type Primer interface {
	Prime()
}

// SessionConfig configures one recognition session.
type SessionConfig struct {
	ID             SessionID `json:"id"`
	Lang           string    `json:"lang"`
	Continuous     bool      `json:"continuous"`
	InterimResults bool      `json:"interim_results"`
}

// SessionHandlers receives the events of one recognition session, in the order
// the platform produces them.
type SessionHandlers struct {
	OnStart  func()
	OnResult func(transcript string, final bool)
	OnError  func(code ErrorCode)
	OnEnd    func()
}

// Recognizer is a platform speech-recognition facility.
type Recognizer interface {
	// Open creates and starts a session.
	Open(cfg SessionConfig, h SessionHandlers) (Session, error)
}

// Session is a running platform recognition session.
type Session interface {
	// Stop asks the platform to end the session. It may still deliver events.
	Stop()
}
