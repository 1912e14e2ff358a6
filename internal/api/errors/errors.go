// Package errors implements the Control API's error taxonomy from
// spec.md §6: 400 missing companyId, 401 unauthenticated, 404 location
// missing, 500 other.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is one of the Control API's four response codes.
type ErrorCode string

const (
	CodeMissingCompanyID ErrorCode = "MISSING_COMPANY_ID"
	CodeUnauthenticated   ErrorCode = "UNAUTHENTICATED"
	CodeLocationNotFound  ErrorCode = "LOCATION_NOT_FOUND"
	CodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

// APIError is the JSON error body the Control API writes on failure.
type APIError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"requestId,omitempty"`
	Timestamp string    `json:"timestamp"`
}

// ErrorResponse wraps APIError for JSON responses.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

func newAPIError(code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// WithRequestID attaches the request's correlation ID.
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

// StatusCode maps the error's code to its spec.md §6 HTTP status.
func (e *APIError) StatusCode() int {
	switch e.Code {
	case CodeMissingCompanyID:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeLocationNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// WriteError writes an APIError as the JSON response body.
func WriteError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode())
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: *err})
}

// MissingCompanyIDError is returned when the required companyId query
// parameter is absent.
func MissingCompanyIDError() *APIError {
	return newAPIError(CodeMissingCompanyID, "missing required query parameter: companyId")
}

// UnauthenticatedError is returned when the Control API's own
// credential (not the gateway's store credential) is missing/invalid.
func UnauthenticatedError() *APIError {
	return newAPIError(CodeUnauthenticated, "unauthenticated")
}

// LocationNotFoundError is returned when the named location has no
// configuration on file.
func LocationNotFoundError(name string) *APIError {
	return newAPIError(CodeLocationNotFound, fmt.Sprintf("location %q not found", name))
}

// InternalError covers everything else.
func InternalError(message string) *APIError {
	return newAPIError(CodeInternalError, message)
}
