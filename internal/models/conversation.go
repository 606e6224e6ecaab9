// Package models defines the core data structures shared by AnchorLoop components.
//
// It includes the conversation state enum, utterances, replies, voice profiles and
// the status snapshot published by the conversation loop.
package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// ConversationState is the single authoritative state of the conversation loop.
type ConversationState string

const (
	// StateIdle means no turn is in progress and the microphone is closed.
	StateIdle ConversationState = "idle"
	// StateListening means exactly one recognition session is open.
	StateListening ConversationState = "listening"
	// StateThinking means exactly one reply request is being awaited.
	StateThinking ConversationState = "thinking"
	// StateSpeaking means the reply is being synthesized.
	StateSpeaking ConversationState = "speaking"
)

// Valid reports whether s is one of the four known states.
func (s ConversationState) Valid() bool {
	switch s {
	case StateIdle, StateListening, StateThinking, StateSpeaking:
		return true
	}
	return false
}

func (s ConversationState) String() string {
	return string(s)
}

// Origin records how an utterance entered the system.
type Origin string

const (
	// OriginSpoken is a finalized speech-recognition transcript.
	OriginSpoken Origin = "spoken"
	// OriginTyped is a manual text submission.
	OriginTyped Origin = "typed"
)

// MaxUtteranceLength bounds the text forwarded to the completion provider.
const MaxUtteranceLength = 2000

var (
	// ErrEmptyUtterance is returned when an utterance has no text after trimming.
	ErrEmptyUtterance = errors.New("utterance text is empty")
	// ErrUtteranceTooLong is returned when an utterance exceeds MaxUtteranceLength.
	ErrUtteranceTooLong = errors.New("utterance text is too long")
)

// TruncateUtterance cuts text to at most MaxUtteranceLength bytes without
// splitting a multi-byte character.
func TruncateUtterance(text string) string {
	if len(text) <= MaxUtteranceLength {
		return text
	}
	n := MaxUtteranceLength
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

// Utterance is one finalized unit of user input, spoken or typed.
type Utterance struct {
	Text      string    `json:"text"`
	Origin    Origin    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

// NewUtterance trims text and stamps it with the current time.
func NewUtterance(text string, origin Origin) (Utterance, error) {
	u := Utterance{Text: strings.TrimSpace(text), Origin: origin, Timestamp: time.Now()}
	return u, u.Validate()
}

// Validate checks the utterance text.
func (u Utterance) Validate() error {
	if u.Text == "" {
		return ErrEmptyUtterance
	}
	if len(u.Text) > MaxUtteranceLength {
		return ErrUtteranceTooLong
	}
	return nil
}

// ReplyResult is the sponsor reply produced for one utterance.
type ReplyResult struct {
	Text      string `json:"text"`
	Sentiment string `json:"sentiment"`
	// Fallback is true when Text is the fixed fallback reply.
	Fallback bool `json:"fallback,omitempty"`
}

// TurnRecord summarizes one completed turn for an external turn recorder.
type TurnRecord struct {
	ID            string    `json:"id"`
	UtteranceText string    `json:"utterance_text"`
	Origin        Origin    `json:"origin"`
	ReplyText     string    `json:"reply_text"`
	Sentiment     string    `json:"sentiment"`
	Fallback      bool      `json:"fallback"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
}
