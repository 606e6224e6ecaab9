package models

import "math"

// VoiceProfile is a selectable synthetic voice exposed by the platform.
type VoiceProfile struct {
	ID    string `json:"id"`
	Lang  string `json:"lang"`
	Label string `json:"label"`
	Score int    `json:"score"`
}

// Bounds for the rate and pitch multipliers.
const (
	MinSpeechMultiplier     = 0.5
	MaxSpeechMultiplier     = 2.0
	DefaultSpeechMultiplier = 1.0
)

// VoiceSettings holds the user-adjustable synthesis parameters.
type VoiceSettings struct {
	VoiceID string  `json:"voice_id"`
	Rate    float64 `json:"rate"`
	Pitch   float64 `json:"pitch"`
}

// DefaultVoiceSettings returns neutral settings with no voice selected.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{Rate: DefaultSpeechMultiplier, Pitch: DefaultSpeechMultiplier}
}

// ClampMultiplier bounds v to [MinSpeechMultiplier, MaxSpeechMultiplier].
// NaN and zero map to the default.
func ClampMultiplier(v float64) float64 {
	if math.IsNaN(v) || v == 0 {
		return DefaultSpeechMultiplier
	}
	return math.Min(MaxSpeechMultiplier, math.Max(MinSpeechMultiplier, v))
}
