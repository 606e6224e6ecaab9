package models

import "time"

// Status is a point-in-time snapshot of the conversation loop, suitable for
// rendering a status indicator and last-error display.
type Status struct {
	State          ConversationState `json:"state"`
	Active         bool              `json:"active"`
	LastHeard      string            `json:"last_heard,omitempty"`
	LastReply      string            `json:"last_reply,omitempty"`
	LastSentiment  string            `json:"last_sentiment,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	Diagnostic     string            `json:"diagnostic,omitempty"`
	Voices         []VoiceProfile    `json:"voices"`
	Settings       VoiceSettings     `json:"settings"`
	SilentRestarts int               `json:"silent_restarts"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Clone returns a copy that shares no slices with s.
func (s Status) Clone() Status {
	c := s
	c.Voices = append([]VoiceProfile(nil), s.Voices...)
	return c
}
