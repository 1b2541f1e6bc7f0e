package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/lattiam/rollout/internal/apiserver/types"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

var respondLogger = logging.NewLogger("apiserver")

// WriteJSON encodes v before sending status, so an encoding failure still
// produces a well-formed 500
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		respondLogger.Error("Failed to encode %T response: %v", v, err)
		WriteError(w, http.StatusInternalServerError, "encoding_error", "Failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		respondLogger.Debug("Client went away before the response was written: %v", err)
	}
}

// WriteError sends an ErrorResponse
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeErrorResponse(w, status, types.ErrorResponse{Error: code, Message: message})
}

// WriteServiceError maps execution errors to their HTTP status and error
// kind. Anything unstructured is a 500.
func WriteServiceError(w http.ResponseWriter, err error) {
	e, ok := interfaces.AsError(err)
	if !ok {
		respondLogger.Error("Request failed: %v", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeErrorResponse(w, e.HTTPStatus(), types.ErrorResponse{
		Error:       string(e.Kind),
		Message:     err.Error(),
		ExecutionID: e.ExecutionID,
	})
}

func writeErrorResponse(w http.ResponseWriter, status int, resp types.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// ErrorResponse holds only strings and always encodes
	_ = json.NewEncoder(w).Encode(resp)
}
