// Package api implements the §6 command API contract: stream CRUD, manual recording triggers,
// detection ingest, paginated recording listing, health, and an event-bus websocket mirror.
package api

import (
	"encoding/json"
	"net/http"
)

// Response is the JSON envelope every handler responds with.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo carries a machine-readable code alongside the human message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta carries pagination totals for list endpoints.
type Meta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// JSON writes data with a bare success envelope.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Success: status >= 200 && status < 300, Data: data})
}

// JSONWithMeta writes data alongside pagination metadata.
func JSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *Meta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Success: status >= 200 && status < 300, Data: data, Meta: meta})
}

// Error writes an error envelope.
func Error(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Success: false, Error: &ErrorInfo{Code: code, Message: message}})
}

func badRequest(w http.ResponseWriter, message string) { Error(w, http.StatusBadRequest, "BAD_REQUEST", message) }
func notFound(w http.ResponseWriter, message string)   { Error(w, http.StatusNotFound, "NOT_FOUND", message) }
func internal(w http.ResponseWriter, message string)   { Error(w, http.StatusInternalServerError, "INTERNAL", message) }
