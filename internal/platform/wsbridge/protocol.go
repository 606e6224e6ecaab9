package wsbridge

import (
	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/speech"
)

// Frame types sent by the browser.
const (
	TypeHello             = "hello"
	TypeVoices            = "voices"
	TypeRecognitionStart  = "recognition.start"
	TypeRecognitionResult = "recognition.result"
	TypeRecognitionError  = "recognition.error"
	TypeRecognitionEnd    = "recognition.end"
	TypeSynthesisDone     = "synthesis.done"
)

// Frame types sent by the server. recognition.start is shared: the server
// sends it to open a session and the browser echoes it once audio capture
// begins.
const (
	TypeRecognitionStop = "recognition.stop"
	TypeSynthesisSpeak  = "synthesis.speak"
	TypeSynthesisCancel = "synthesis.cancel"
	TypeSynthesisPrime  = "synthesis.prime"
	TypeStatus          = "status"
	TypeError           = "error"
)

// Frame is one JSON websocket message in either direction. Only the fields
// relevant to Type are set.
type Frame struct {
	Type string `json:"type"`

	// hello
	Recognition bool `json:"recognition,omitempty"`
	Synthesis   bool `json:"synthesis,omitempty"`

	// voices, and optionally hello
	Voices []models.VoiceProfile `json:"voices,omitempty"`

	// recognition.*
	Session        speech.SessionID `json:"session,omitempty"`
	Lang           string           `json:"lang,omitempty"`
	Continuous     bool             `json:"continuous,omitempty"`
	InterimResults bool             `json:"interim_results,omitempty"`
	Transcript     string           `json:"transcript,omitempty"`
	Final          bool             `json:"final,omitempty"`
	Code           speech.ErrorCode `json:"code,omitempty"`

	// synthesis.*
	Token   uint64  `json:"token,omitempty"`
	Text    string  `json:"text,omitempty"`
	VoiceID string  `json:"voice_id,omitempty"`
	Rate    float64 `json:"rate,omitempty"`
	Pitch   float64 `json:"pitch,omitempty"`

	Status  *models.Status `json:"status,omitempty"`
	Message string         `json:"message,omitempty"`
}
