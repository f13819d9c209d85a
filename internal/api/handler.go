// Package api provides HTTP handlers for the chat API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/cogni-chat/internal/domain"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps a domain error to its HTTP status and client message.
// Unknown errors are reported as 500 without leaking their text.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrAuthenticationFailed):
		return http.StatusUnauthorized, "Authentication failed"
	case errors.Is(err, domain.ErrNotFoundOrForbidden):
		return http.StatusNotFound, "Conversation not found or access denied"
	case errors.Is(err, domain.ErrValidationFailed):
		return http.StatusBadRequest, "Message is required"
	case errors.Is(err, domain.ErrTurnInProgress):
		return http.StatusConflict, "A turn is already in progress for this conversation"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "Answering service unavailable"
	case errors.Is(err, domain.ErrPersistenceFailed):
		return http.StatusInternalServerError, "Failed to save conversation"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// ServiceError writes err using StatusFor.
func ServiceError(w http.ResponseWriter, err error) {
	status, message := StatusFor(err)
	Error(w, status, message)
}
