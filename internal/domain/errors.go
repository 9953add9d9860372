package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorizes broker errors so the HTTP layer can map them to
// status codes and clients can branch on them.
type ErrorType string

const (
	// ErrorTypeValidation indicates a malformed request or response payload,
	// rejected before it reaches the registry.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound indicates an unknown request id.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeAlreadyAnswered indicates a response posted against a request
	// that already reached a terminal state.
	ErrorTypeAlreadyAnswered ErrorType = "already_answered"

	// ErrorTypeDuplicateID indicates a request id collision on create.
	ErrorTypeDuplicateID ErrorType = "duplicate_id"

	// ErrorTypeServer indicates an internal broker failure.
	ErrorTypeServer ErrorType = "server"
)

// BrokerError is the canonical error carried across the broker's layers and
// serialized on the wire as {"error":{"type","message"}}.
type BrokerError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`

	// StatusCode is the suggested HTTP status for this error.
	StatusCode int `json:"-"`
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is lets errors.Is match any BrokerError of the same type, so callers can
// compare against the sentinel values below.
func (e *BrokerError) Is(target error) bool {
	var t *BrokerError
	if !errors.As(target, &t) {
		return false
	}
	return e.Type == t.Type
}

// Sentinel values for errors.Is comparisons.
var (
	ErrNotFound        = &BrokerError{Type: ErrorTypeNotFound, Message: "request not found", StatusCode: http.StatusNotFound}
	ErrAlreadyAnswered = &BrokerError{Type: ErrorTypeAlreadyAnswered, Message: "request already reached a terminal state", StatusCode: http.StatusConflict}
	ErrDuplicateID     = &BrokerError{Type: ErrorTypeDuplicateID, Message: "request id already exists", StatusCode: http.StatusConflict}
)

// NewValidationError builds a validation-typed BrokerError.
func NewValidationError(format string, args ...any) *BrokerError {
	return &BrokerError{
		Type:       ErrorTypeValidation,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: http.StatusBadRequest,
	}
}

// NewNotFoundError builds a not-found error naming the missing id.
func NewNotFoundError(id string) *BrokerError {
	return &BrokerError{
		Type:       ErrorTypeNotFound,
		Message:    fmt.Sprintf("request %s not found", id),
		StatusCode: http.StatusNotFound,
	}
}

// NewAlreadyAnsweredError builds a conflict error for a non-pending request.
func NewAlreadyAnsweredError(id string, status Status) *BrokerError {
	return &BrokerError{
		Type:       ErrorTypeAlreadyAnswered,
		Message:    fmt.Sprintf("request %s is already %s", id, status),
		StatusCode: http.StatusConflict,
	}
}

// StatusCodeFor maps any error to an HTTP status, defaulting to 500 for
// errors that are not BrokerErrors.
func StatusCodeFor(err error) int {
	var be *BrokerError
	if errors.As(err, &be) && be.StatusCode != 0 {
		return be.StatusCode
	}
	return http.StatusInternalServerError
}
