package speech_test

import (
	"strings"
	"testing"

	"github.com/BTreeMap/AnchorLoop/internal/speech"
)

func TestClassify(t *testing.T) {
	tests := map[speech.ErrorCode]speech.ErrorClass{
		speech.CodeNoSpeech:             speech.ClassBenign,
		speech.CodeNoResult:             speech.ClassBenign,
		speech.CodeAborted:              speech.ClassTransient,
		speech.CodeAudioCapture:         speech.ClassTransient,
		speech.CodeNetwork:              speech.ClassTransient,
		speech.ErrorCode("weird"):       speech.ClassTransient,
		speech.CodeNotAllowed:           speech.ClassPermission,
		speech.CodeServiceNotAllowed:    speech.ClassPermission,
		speech.CodeLanguageNotSupported: speech.ClassFatal,
		speech.CodeBadGrammar:           speech.ClassFatal,
	}
	for code, want := range tests {
		if got := speech.Classify(code); got != want {
			t.Errorf("Classify(%q) = %v, want %v", code, got, want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !speech.ClassBenign.Retryable() || !speech.ClassTransient.Retryable() {
		t.Error("benign and transient errors must be retryable")
	}
	if speech.ClassPermission.Retryable() || speech.ClassFatal.Retryable() {
		t.Error("permission and fatal errors must not be retryable")
	}
}

func TestUserMessage(t *testing.T) {
	if msg := speech.UserMessage(speech.CodeNotAllowed); !strings.Contains(msg, "Microphone access") {
		t.Errorf("unexpected permission message %q", msg)
	}
	if msg := speech.UserMessage(speech.CodeLanguageNotSupported); !strings.Contains(msg, "language-not-supported") {
		t.Errorf("unexpected fatal message %q", msg)
	}
	if msg := speech.UserMessage(speech.CodeNoSpeech); msg != "" {
		t.Errorf("benign errors are silent, got %q", msg)
	}
}
