// Package config loads AnchorLoop's conversation settings.
//
// Settings come from defaults, then an optional YAML file, then environment
// variables. Command-line flags are applied last by cmd/AnchorLoop.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/AnchorLoop/internal/conversation"
	"github.com/BTreeMap/AnchorLoop/internal/genai"
	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/speech"
	"github.com/BTreeMap/AnchorLoop/internal/util"
)

// Environment variables that override file settings.
const (
	EnvLocale            = "ANCHORLOOP_LOCALE"
	EnvVoice             = "ANCHORLOOP_VOICE"
	EnvRate              = "ANCHORLOOP_RATE"
	EnvPitch             = "ANCHORLOOP_PITCH"
	EnvRestartDelay      = "ANCHORLOOP_RESTART_DELAY"
	EnvMaxSilentRestarts = "ANCHORLOOP_MAX_SILENT_RESTARTS"
	EnvReplyTimeout      = "REPLY_TIMEOUT"
	EnvPersonaName       = "PERSONA_NAME"
)

// Settings tunes the conversation loop and the voice.
type Settings struct {
	Locale            string        `yaml:"locale"`
	Voice             string        `yaml:"voice"`
	Rate              float64       `yaml:"rate"`
	Pitch             float64       `yaml:"pitch"`
	RestartDelay      time.Duration `yaml:"restart_delay"`
	MaxSilentRestarts int           `yaml:"max_silent_restarts"`
	ReplyTimeout      time.Duration `yaml:"reply_timeout"`
	PersonaName       string        `yaml:"persona_name"`
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() Settings {
	return Settings{
		Locale:            speech.DefaultLang,
		Rate:              models.DefaultSpeechMultiplier,
		Pitch:             models.DefaultSpeechMultiplier,
		RestartDelay:      conversation.DefaultRestartDelay,
		MaxSilentRestarts: conversation.DefaultMaxSilentRestarts,
		ReplyTimeout:      genai.DefaultReplyTimeout,
		PersonaName:       genai.DefaultPersonaName,
	}
}

// Load reads settings from path, if it is set and exists, then applies
// environment overrides and normalizes the result.
func Load(path string) (Settings, error) {
	s := DefaultSettings()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("config.Load: settings file not found, using defaults", "path", path)
		case err != nil:
			return Settings{}, fmt.Errorf("failed to read settings file %s: %w", path, err)
		default:
			if err := decode(data, &s); err != nil {
				return Settings{}, fmt.Errorf("failed to parse settings file %s: %w", path, err)
			}
			slog.Debug("config.Load: settings file loaded", "path", path)
		}
	}
	s.applyEnv()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	s.Normalize()
	return s, nil
}

// decode rejects unknown keys so a misspelt setting is not silently ignored.
func decode(data []byte, s *Settings) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Settings) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLocale)); v != "" {
		s.Locale = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvVoice)); v != "" {
		s.Voice = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPersonaName)); v != "" {
		s.PersonaName = v
	}
	s.Rate = util.ParseFloatEnv(EnvRate, s.Rate)
	s.Pitch = util.ParseFloatEnv(EnvPitch, s.Pitch)
	s.RestartDelay = util.ParseDurationEnv(EnvRestartDelay, s.RestartDelay)
	s.MaxSilentRestarts = util.ParseIntEnv(EnvMaxSilentRestarts, s.MaxSilentRestarts)
	s.ReplyTimeout = util.ParseDurationEnv(EnvReplyTimeout, s.ReplyTimeout)
}

// Validate rejects settings that cannot be corrected by clamping.
func (s Settings) Validate() error {
	if s.RestartDelay < 0 {
		return fmt.Errorf("restart_delay must not be negative, got %s", s.RestartDelay)
	}
	if s.MaxSilentRestarts < 1 {
		return fmt.Errorf("max_silent_restarts must be at least 1, got %d", s.MaxSilentRestarts)
	}
	if s.ReplyTimeout < 0 {
		return fmt.Errorf("reply_timeout must not be negative, got %s", s.ReplyTimeout)
	}
	return nil
}

// Normalize clamps rate and pitch and fills empty fields with defaults.
func (s *Settings) Normalize() {
	def := DefaultSettings()
	s.Rate = models.ClampMultiplier(s.Rate)
	s.Pitch = models.ClampMultiplier(s.Pitch)
	if s.Locale == "" {
		s.Locale = def.Locale
	}
	if s.RestartDelay == 0 {
		s.RestartDelay = def.RestartDelay
	}
	if s.ReplyTimeout == 0 {
		s.ReplyTimeout = def.ReplyTimeout
	}
	if strings.TrimSpace(s.PersonaName) == "" {
		s.PersonaName = def.PersonaName
	}
}

// VoiceSettings returns the initial voice settings for speech.Output.
func (s Settings) VoiceSettings() models.VoiceSettings {
	return models.VoiceSettings{VoiceID: s.Voice, Rate: s.Rate, Pitch: s.Pitch}
}
