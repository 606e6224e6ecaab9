package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("ANCHORLOOP_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("ANCHORLOOP_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseFloatEnv(t *testing.T) {
	tests := []struct {
		value string
		want  float64
	}{
		{"", 1.0},
		{"1.25", 1.25},
		{" 0.5 ", 0.5},
		{"fast", 1.0},
	}
	for _, tt := range tests {
		t.Setenv("ANCHORLOOP_TEST_FLOAT", tt.value)
		if got := ParseFloatEnv("ANCHORLOOP_TEST_FLOAT", 1.0); got != tt.want {
			t.Errorf("ParseFloatEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("ANCHORLOOP_TEST_INT", "12")
	if got := ParseIntEnv("ANCHORLOOP_TEST_INT", 8); got != 12 {
		t.Errorf("expected 12, got %d", got)
	}
	t.Setenv("ANCHORLOOP_TEST_INT", "twelve")
	if got := ParseIntEnv("ANCHORLOOP_TEST_INT", 8); got != 8 {
		t.Errorf("expected default 8, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	def := 600 * time.Millisecond
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", def},
		{"2s", 2 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"750", 750 * time.Millisecond},
		{"-1s", def},
		{"soon", def},
	}
	for _, tt := range tests {
		t.Setenv("ANCHORLOOP_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("ANCHORLOOP_TEST_DURATION", def); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
