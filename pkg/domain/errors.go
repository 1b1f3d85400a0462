package domain

import (
	"errors"
	"net/http"
)

// Common relay errors
var (
	ErrKeyNotConfigured = errors.New("api key missing from relay configuration")
	ErrKeyRequired      = errors.New("api key required")
	ErrKeyFormat        = errors.New("invalid api key format")
	ErrKeyMismatch      = errors.New("invalid api key")
	ErrNoInstances      = errors.New("no instances configured")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrUpstream         = errors.New("upstream request failed")
)

// RelayError wraps an error with the HTTP status and a stable
// machine-readable code for the JSON error body.
type RelayError struct {
	Err    error
	Status int
	Code   string
}

func (e *RelayError) Error() string {
	return e.Err.Error()
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// NewAuthError builds a 401 RelayError for a credential gate rejection.
func NewAuthError(code string, err error) *RelayError {
	return &RelayError{Err: err, Status: http.StatusUnauthorized, Code: code}
}

// NewServerError builds a 500 RelayError for configuration and upstream
// failures that are terminal for the request.
func NewServerError(code string, err error) *RelayError {
	return &RelayError{Err: err, Status: http.StatusInternalServerError, Code: code}
}

// ErrorResponse is the JSON error model returned to callers. It carries a
// stable machine-readable code alongside a human-readable message.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
