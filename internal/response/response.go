// Package response provides shared JSON response helpers for HTTP handlers.
package response

import (
	"encoding/json"
	"net/http"
)

// Envelope is the body of every API response. Success responses carry the
// object location, failures carry an error category and, for server-side
// failures, a diagnostic message.
type Envelope struct {
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	URL          string `json:"url,omitempty"`
	Key          string `json:"key,omitempty"`
	Filename     string `json:"filename,omitempty"`
	OriginalName string `json:"originalName,omitempty"`
	Error        string `json:"error,omitempty"`
}

// JSON writes a JSON-encoded payload with the given HTTP status code.
func JSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// OK writes a 200 success envelope.
func OK(w http.ResponseWriter, env Envelope) {
	env.Success = true
	JSON(w, http.StatusOK, env)
}

// Error writes an error response with the given status and message.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, Envelope{Success: false, Error: message})
}

// Failure writes an error response with a category and a diagnostic message.
func Failure(w http.ResponseWriter, status int, category, message string) {
	JSON(w, status, Envelope{Success: false, Error: category, Message: message})
}

// BadRequest writes a 400 response.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, message)
}

// Unauthorized writes a 401 response.
func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, message)
}

// TooManyRequests writes a 429 response.
func TooManyRequests(w http.ResponseWriter, message string) {
	Error(w, http.StatusTooManyRequests, message)
}
