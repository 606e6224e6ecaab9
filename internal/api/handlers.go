// Package api provides HTTP handlers for AnchorLoop endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/store"
)

// SubmitRequest is the body of POST /conversation/submit.
type SubmitRequest struct {
	Text string `json:"text"`
}

// SelectVoiceRequest is the body of PUT /voices/selected.
type SelectVoiceRequest struct {
	ID string `json:"id"`
}

// VoiceSettingsRequest is the body of PUT /voices/settings. Omitted fields
// are left unchanged.
type VoiceSettingsRequest struct {
	Rate  *float64 `json:"rate,omitempty"`
	Pitch *float64 `json:"pitch,omitempty"`
}

// VoicesResponse is the result of GET /voices.
type VoicesResponse struct {
	Voices   []models.VoiceProfile `json:"voices"`
	Settings models.VoiceSettings  `json:"settings"`
}

// allowMethod writes 405 with an Allow header when r.Method is not method.
func allowMethod(w http.ResponseWriter, r *http.Request, method, handler string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	slog.Warn("Server."+handler+": method not allowed", "method", r.Method)
	w.WriteHeader(http.StatusMethodNotAllowed)
	return false
}

// decodeJSON decodes a bounded request body into v, writing 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, handler string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Warn("Server."+handler+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

func (s *Server) commandContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.commandTimeout)
}

// startHandler handles POST /conversation/start.
func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.startHandler: processing start request", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodPost, "startHandler") {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	if err := s.loop.Start(ctx); err != nil {
		slog.Warn("Server.startHandler: start failed", "error", err)
		writeLoopError(w, err)
		return
	}
	slog.Info("Server.startHandler: conversation started")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Listening", s.loop.Status()))
}

// stopHandler handles POST /conversation/stop.
func (s *Server) stopHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.stopHandler: processing stop request", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodPost, "stopHandler") {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	if err := s.loop.Stop(ctx); err != nil {
		writeLoopError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Stopped", s.loop.Status()))
}

// submitHandler handles POST /conversation/submit.
func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.submitHandler: processing submit request", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodPost, "submitHandler") {
		return
	}
	var req SubmitRequest
	if !decodeJSON(w, r, &req, "submitHandler") {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	if err := s.loop.Submit(ctx, req.Text); err != nil {
		slog.Debug("Server.submitHandler: submit refused", "error", err)
		writeLoopError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Utterance accepted", s.loop.Status()))
}

// statusHandler handles GET /conversation/status.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, "statusHandler") {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.loop.Status()))
}

// voicesHandler handles GET /voices.
func (s *Server) voicesHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, "voicesHandler") {
		return
	}
	st := s.loop.Status()
	writeJSONResponse(w, http.StatusOK, models.Success(VoicesResponse{Voices: st.Voices, Settings: st.Settings}))
}

// selectVoiceHandler handles PUT /voices/selected.
func (s *Server) selectVoiceHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.selectVoiceHandler: processing voice selection", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodPut, "selectVoiceHandler") {
		return
	}
	var req SelectVoiceRequest
	if !decodeJSON(w, r, &req, "selectVoiceHandler") {
		return
	}
	if req.ID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: id"))
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	if err := s.loop.SelectVoice(ctx, req.ID); err != nil {
		slog.Warn("Server.selectVoiceHandler: selection failed", "id", req.ID, "error", err)
		writeLoopError(w, err)
		return
	}
	slog.Info("Server.selectVoiceHandler: voice selected", "id", req.ID)
	writeJSONResponse(w, http.StatusOK, models.Success(s.loop.Status().Settings))
}

// voiceSettingsHandler handles PUT /voices/settings.
func (s *Server) voiceSettingsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPut, "voiceSettingsHandler") {
		return
	}
	var req VoiceSettingsRequest
	if !decodeJSON(w, r, &req, "voiceSettingsHandler") {
		return
	}
	if req.Rate == nil && req.Pitch == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Provide rate, pitch or both"))
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	if req.Rate != nil {
		if _, err := s.loop.SetRate(ctx, *req.Rate); err != nil {
			writeLoopError(w, err)
			return
		}
	}
	if req.Pitch != nil {
		if _, err := s.loop.SetPitch(ctx, *req.Pitch); err != nil {
			writeLoopError(w, err)
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.loop.Status().Settings))
}

// turnsHandler handles GET /turns?limit=N.
func (s *Server) turnsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, "turnsHandler") {
		return
	}
	limit := store.DefaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = n
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	turns, err := s.turns.RecentTurns(ctx, limit)
	if err != nil {
		slog.Error("Server.turnsHandler: failed to fetch turns", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch turns"))
		return
	}
	if turns == nil {
		turns = []models.TurnRecord{}
	}
	slog.Debug("Server.turnsHandler: turns fetched", "count", len(turns))
	writeJSONResponse(w, http.StatusOK, models.Success(turns))
}

// healthHandler handles GET /healthz.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, "healthHandler") {
		return
	}
	st := s.loop.Status()
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"state":     st.State,
		"voices":    len(st.Voices),
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}
