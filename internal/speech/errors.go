package speech

import (
	"errors"
	"fmt"
)

var (
	// ErrRecognitionUnavailable means the platform cannot recognize speech.
	ErrRecognitionUnavailable = errors.New("speech recognition not supported on this platform")
	// ErrSynthesisUnavailable means the platform cannot synthesize speech.
	ErrSynthesisUnavailable = errors.New("speech synthesis not supported on this platform")
	// ErrSessionActive is returned by Input.Start while a session is open.
	ErrSessionActive = errors.New("a recognition session is already active")
	// ErrSessionDraining is returned by Input.Start while a stopped session has
	// not yet reported its end. It matches ErrSessionActive.
	ErrSessionDraining = fmt.Errorf("%w: previous session is still closing", ErrSessionActive)
	// ErrGestureRequired is returned by Output.Speak before any user gesture.
	ErrGestureRequired = errors.New("speech output requires a user gesture first")
	// ErrEmptyText is returned by Output.Speak for blank text.
	ErrEmptyText = errors.New("nothing to speak")
	// ErrUnknownVoice is returned when selecting a voice that is not listed.
	ErrUnknownVoice = errors.New("unknown voice")
)

// ErrorCode is a platform recognition error code.
type ErrorCode string

// Recognition error codes. The names follow the Web Speech API; CodeNoResult is
// synthesized when a session ends without a final transcript or error.
const (
	CodeNoSpeech             ErrorCode = "no-speech"
	CodeNoResult             ErrorCode = "no-result"
	CodeAborted              ErrorCode = "aborted"
	CodeAudioCapture         ErrorCode = "audio-capture"
	CodeNetwork              ErrorCode = "network"
	CodeNotAllowed           ErrorCode = "not-allowed"
	CodeServiceNotAllowed    ErrorCode = "service-not-allowed"
	CodeLanguageNotSupported ErrorCode = "language-not-supported"
	CodeBadGrammar           ErrorCode = "bad-grammar"
)

// ErrorClass groups error codes by how the conversation loop reacts.
type ErrorClass int

const (
	// ClassBenign errors are expected (silence); restart quietly.
	ClassBenign ErrorClass = iota
	// ClassTransient errors are retryable; restart quietly.
	ClassTransient
	// ClassPermission errors need the user to grant microphone access.
	ClassPermission
	// ClassFatal errors cannot be fixed by retrying.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassBenign:
		return "benign"
	case ClassTransient:
		return "transient"
	case ClassPermission:
		return "permission"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// Retryable reports whether the loop should restart listening.
func (c ErrorClass) Retryable() bool {
	return c == ClassBenign || c == ClassTransient
}

// Classify maps a recognition error code to its class. Unknown codes are
// treated as transient.
func Classify(code ErrorCode) ErrorClass {
	switch code {
	case CodeNoSpeech, CodeNoResult:
		return ClassBenign
	case CodeNotAllowed, CodeServiceNotAllowed:
		return ClassPermission
	case CodeLanguageNotSupported, CodeBadGrammar:
		return ClassFatal
	default:
		return ClassTransient
	}
}

// UserMessage returns the actionable text shown for user-facing error classes.
func UserMessage(code ErrorCode) string {
	switch Classify(code) {
	case ClassPermission:
		return "Microphone access was denied. Allow microphone access for this site, then press Start again."
	case ClassFatal:
		return "Speech recognition cannot run here (" + string(code) + "). You can keep typing instead."
	}
	return ""
}
