package models

import (
	"math"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestConversationStateValid(t *testing.T) {
	for _, s := range []ConversationState{StateIdle, StateListening, StateThinking, StateSpeaking} {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if ConversationState("paused").Valid() {
		t.Error("expected unknown state to be invalid")
	}
}

func TestNewUtterance(t *testing.T) {
	u, err := NewUtterance("  I'm struggling today \n", OriginSpoken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Text != "I'm struggling today" {
		t.Errorf("expected trimmed text, got %q", u.Text)
	}
	if u.Origin != OriginSpoken || u.Timestamp.IsZero() {
		t.Errorf("unexpected utterance %+v", u)
	}

	if _, err := NewUtterance("   ", OriginTyped); err != ErrEmptyUtterance {
		t.Errorf("expected ErrEmptyUtterance, got %v", err)
	}
	if _, err := NewUtterance(strings.Repeat("a", MaxUtteranceLength+1), OriginTyped); err != ErrUtteranceTooLong {
		t.Errorf("expected ErrUtteranceTooLong, got %v", err)
	}
}

func TestTruncateUtterance(t *testing.T) {
	short := "I need to talk"
	if got := TruncateUtterance(short); got != short {
		t.Errorf("short text changed: %q", got)
	}

	// "é" is two bytes and straddles the limit.
	long := strings.Repeat("a", MaxUtteranceLength-1) + "é"
	got := TruncateUtterance(long)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated text is not valid UTF-8: tail %q", got[len(got)-2:])
	}
	if len(got) != MaxUtteranceLength-1 {
		t.Errorf("expected %d bytes, got %d", MaxUtteranceLength-1, len(got))
	}

	exact := strings.Repeat("a", MaxUtteranceLength-2) + "é"
	if got := TruncateUtterance(exact + "b"); got != exact {
		t.Errorf("expected cut after the complete rune, got tail %q", got[len(got)-3:])
	}
}

func TestClampMultiplier(t *testing.T) {
	cases := map[float64]float64{
		0:    DefaultSpeechMultiplier,
		0.1:  MinSpeechMultiplier,
		1.25: 1.25,
		9:    MaxSpeechMultiplier,
	}
	for in, want := range cases {
		if got := ClampMultiplier(in); got != want {
			t.Errorf("ClampMultiplier(%v) = %v, want %v", in, got, want)
		}
	}
	if got := ClampMultiplier(math.NaN()); got != DefaultSpeechMultiplier {
		t.Errorf("expected NaN to map to default, got %v", got)
	}
}

func TestStatusCloneDoesNotShareVoices(t *testing.T) {
	s := Status{Voices: []VoiceProfile{{ID: "a"}}}
	c := s.Clone()
	c.Voices[0].ID = "b"
	if s.Voices[0].ID != "a" {
		t.Error("clone mutated original voices")
	}
}

func TestResponseBuilders(t *testing.T) {
	if r := Error("boom"); r.Status != string(APIStatusError) || r.Message != "boom" {
		t.Errorf("unexpected error response %+v", r)
	}
	if r := Rejected("busy"); r.Status != string(APIStatusRejected) {
		t.Errorf("unexpected rejected response %+v", r)
	}
	if r := Success(42); r.Status != string(APIStatusOK) || r.Result != 42 {
		t.Errorf("unexpected success response %+v", r)
	}
}
