// Package api provides HTTP response utilities for AnchorLoop.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/AnchorLoop/internal/conversation"
	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/speech"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding error can still produce a clean 500
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeLoopError maps a conversation or speech error to a status code and
// writes it.
func writeLoopError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrTurnInProgress):
		writeJSONResponse(w, http.StatusConflict, models.Rejected(err.Error()))
	case errors.Is(err, models.ErrEmptyUtterance), errors.Is(err, models.ErrUtteranceTooLong):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, speech.ErrUnknownVoice):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	case errors.Is(err, speech.ErrRecognitionUnavailable),
		errors.Is(err, speech.ErrSynthesisUnavailable),
		errors.Is(err, conversation.ErrLoopClosed):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(err.Error()))
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONResponse(w, http.StatusGatewayTimeout, models.Error("Timed out waiting for the conversation loop"))
	default:
		slog.Error("Server.writeLoopError: unexpected error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
