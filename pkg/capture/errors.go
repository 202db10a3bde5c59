package capture

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of call failures. It drives the
// retry decision and the capture_errors_total metric.
type ErrorClass string

const (
	// ErrorClassClient represents remote rejections and 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 510 rate limit responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// ErrorKind narrows a remote rejection down to what went wrong.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"
	KindNotFound  ErrorKind = "not_found"
	KindUpdate    ErrorKind = "update"
	KindInput     ErrorKind = "input"
	KindTooLarge  ErrorKind = "too_large"
	KindRateLimit ErrorKind = "rate_limit"
	KindAPI       ErrorKind = "api"
)

// APIError is a remote rejection: the Capture API answered, but refused the
// call. Code is the API error code, or the HTTP status for too_large and
// rate_limit rejections.
type APIError struct {
	Command string
	Code    int
	Kind    ErrorKind
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("capture %s: %s error (code %d): %s", e.Command, e.Kind, e.Code, e.Message)
}

// TransportError is a failure to get an answer from the Capture API at all:
// network errors, timeouts and HTTP statuses that carry no API payload.
type TransportError struct {
	Command    string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("capture %s: transport error (status %d): %v", e.Command, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("capture %s: transport error: %v", e.Command, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// newAPIError translates a stat=error response into an APIError.
func newAPIError(command string, code int, message string) *APIError {
	kind := KindAPI
	switch {
	case code == 402 || code == 403 || code == 431,
		strings.Contains(message, "malformed"),
		strings.Contains(message, "not a valid id"):
		kind = KindAuth
	case code == 404 || code == 222 || strings.Contains(message, "not found"):
		kind = KindNotFound
	case code == 226 && strings.Contains(message, "changes have been made"):
		kind = KindUpdate
	case strings.Contains(message, "for_client_id"), strings.Contains(message, "flow_body"):
		kind = KindInput
	}
	return &APIError{Command: command, Code: code, Kind: kind, Message: message}
}

// httpStatusError translates an HTTP error status into an APIError when the
// status has a known meaning, or a TransportError otherwise.
func httpStatusError(command string, status int, body string) error {
	switch {
	case status == http.StatusForbidden && strings.Contains(body, "too large"),
		status == http.StatusBadGateway,
		status == http.StatusGatewayTimeout:
		return &APIError{Command: command, Code: status, Kind: KindTooLarge, Message: "request was too large"}
	case status == StatusRateLimited:
		return &APIError{Command: command, Code: status, Kind: KindRateLimit, Message: "rate limit exceeded"}
	}
	return &TransportError{Command: command, StatusCode: status, Err: errors.New(http.StatusText(status))}
}

// classify categorizes an error for observability and retry handling.
func classify(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Kind == KindRateLimit {
			return ErrorClassRateLimit
		}
		return ErrorClassClient
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		switch {
		case transportErr.StatusCode >= 500:
			return ErrorClassServer
		case transportErr.StatusCode >= 400:
			return ErrorClassClient
		}
	}
	return ErrorClassNetwork
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// remote rejections repeat themselves
		return false
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
