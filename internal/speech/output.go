package speech

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/AnchorLoop/internal/models"
)

// DefaultLang is the synthesis and recognition locale used when none is set.
const DefaultLang = "en-US"

// Output is the voice output component. It speaks one utterance at a time,
// preempting whatever was playing, and keeps the voice list and settings.
type Output struct {
	synth Synthesizer
	lang  string
	slot  speakerSlot

	mu         sync.Mutex
	unlocked   bool
	voices     []models.VoiceProfile
	settings   models.VoiceSettings
	onComplete func(token uint64)
	onVoices   func([]models.VoiceProfile)
}

// OutputOption configures an Output.
type OutputOption func(*Output)

// WithOutputLang sets the synthesis locale.
func WithOutputLang(lang string) OutputOption {
	return func(o *Output) {
		if lang != "" {
			o.lang = lang
		}
	}
}

// WithVoiceSettings seeds the initial voice, rate and pitch.
func WithVoiceSettings(s models.VoiceSettings) OutputOption {
	return func(o *Output) {
		o.settings = models.VoiceSettings{
			VoiceID: s.VoiceID,
			Rate:    models.ClampMultiplier(s.Rate),
			Pitch:   models.ClampMultiplier(s.Pitch),
		}
	}
}

// NewOutput wraps synth. A nil synth yields an Output whose Speak always
// reports ErrSynthesisUnavailable.
func NewOutput(synth Synthesizer, opts ...OutputOption) *Output {
	o := &Output{synth: synth, lang: DefaultLang, settings: models.DefaultVoiceSettings()}
	for _, opt := range opts {
		opt(o)
	}
	if synth != nil {
		synth.SetHandlers(SynthesisHandlers{
			OnDone:          o.handleDone,
			OnVoicesChanged: o.Refresh,
		})
		o.Refresh()
	}
	return o
}

// Available reports whether a synthesizer is present.
func (o *Output) Available() bool {
	return o.synth != nil
}

// OnSpeechComplete registers the callback fired exactly once per Speak whose
// utterance finished naturally. Preempted or cancelled utterances never fire.
func (o *Output) OnSpeechComplete(fn func(token uint64)) {
	o.mu.Lock()
	o.onComplete = fn
	o.mu.Unlock()
}

// OnVoicesChanged registers a callback fired with the new list after Refresh.
func (o *Output) OnVoicesChanged(fn func([]models.VoiceProfile)) {
	o.mu.Lock()
	o.onVoices = fn
	o.mu.Unlock()
}

// Unlock records a user gesture. Synthesizers that need priming get a silent
// utterance now so later replies can play.
func (o *Output) Unlock() {
	o.mu.Lock()
	o.unlocked = true
	o.mu.Unlock()
	if p, ok := o.synth.(Primer); ok {
		p.Prime()
	}
}

// Speak cancels anything currently playing and speaks text with the current
// voice settings. It returns the token that OnSpeechComplete will report.
func (o *Output) Speak(text string) (uint64, error) {
	if o.synth == nil {
		return 0, ErrSynthesisUnavailable
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ErrEmptyText
	}

	o.mu.Lock()
	if !o.unlocked {
		o.mu.Unlock()
		return 0, ErrGestureRequired
	}
	voice := o.currentVoiceLocked()
	settings := o.settings
	o.mu.Unlock()

	token, preempted := o.slot.acquire()
	if preempted {
		slog.Debug("Output.Speak: preempting current utterance", "token", token)
	}
	o.synth.Cancel()

	req := SpeechRequest{
		Token: token,
		Text:  text,
		Lang:  o.lang,
		Rate:  settings.Rate,
		Pitch: settings.Pitch,
	}
	if voice.ID != "" {
		req.VoiceID = voice.ID
		if voice.Lang != "" {
			req.Lang = voice.Lang
		}
	}
	if err := o.synth.Speak(req); err != nil {
		o.slot.release(token)
		slog.Warn("Output.Speak: synthesizer rejected utterance", "error", err)
		return 0, fmt.Errorf("speak: %w", err)
	}
	slog.Debug("Output.Speak: utterance queued", "token", token, "voice", req.VoiceID, "chars", len(text))
	return token, nil
}

// Cancel stops current speech. No completion fires for it.
func (o *Output) Cancel() {
	if o.synth == nil {
		return
	}
	o.slot.clear()
	o.synth.Cancel()
}

// Speaking reports whether an utterance owns the speaker.
func (o *Output) Speaking() bool {
	return o.slot.busy()
}

func (o *Output) handleDone(token uint64) {
	if !o.slot.release(token) {
		slog.Debug("Output.handleDone: ignoring stale completion", "token", token)
		return
	}
	o.mu.Lock()
	fn := o.onComplete
	o.mu.Unlock()
	if fn != nil {
		fn(token)
	}
}

// Refresh re-reads the platform voice list. If no voice is selected yet, the
// best-scoring one is selected.
func (o *Output) Refresh() {
	if o.synth == nil {
		return
	}
	voices := ScoreVoices(o.synth.Voices())

	o.mu.Lock()
	o.voices = voices
	if o.settings.VoiceID == "" {
		if best, ok := PickBestVoice(voices); ok {
			o.settings.VoiceID = best.ID
			slog.Info("Output.Refresh: selected default voice", "voice", best.ID, "lang", best.Lang, "score", best.Score)
		}
	}
	fn := o.onVoices
	snapshot := append([]models.VoiceProfile(nil), voices...)
	o.mu.Unlock()

	slog.Debug("Output.Refresh: voice list updated", "count", len(voices))
	if fn != nil {
		fn(snapshot)
	}
}

// Voices returns the scored voice list.
func (o *Output) Voices() []models.VoiceProfile {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.VoiceProfile(nil), o.voices...)
}

// SelectVoice overrides the selected voice.
func (o *Output) SelectVoice(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, v := range o.voices {
		if v.ID == id {
			o.settings.VoiceID = id
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownVoice, id)
}

// SetRate sets the speaking rate, clamped to the allowed range, and returns the
// value stored.
func (o *Output) SetRate(rate float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings.Rate = models.ClampMultiplier(rate)
	return o.settings.Rate
}

// SetPitch sets the pitch, clamped to the allowed range, and returns the value
// stored.
func (o *Output) SetPitch(pitch float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings.Pitch = models.ClampMultiplier(pitch)
	return o.settings.Pitch
}

// Settings returns the current voice settings.
func (o *Output) Settings() models.VoiceSettings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// currentVoiceLocked resolves the selected voice, falling back to the best
// available one when the selection has disappeared from the list.
func (o *Output) currentVoiceLocked() models.VoiceProfile {
	for _, v := range o.voices {
		if v.ID == o.settings.VoiceID {
			return v
		}
	}
	best, _ := PickBestVoice(o.voices)
	return best
}
