package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Base error types
var (
	ErrUnavailable      = errors.New("entitlement backend unavailable")
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrConnectionFailed = errors.New("connection failed")
	ErrUsageRejected    = errors.New("usage event rejected")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeAPI        ErrorType = "api"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// RemoteError is a structured error for calls to the entitlement backend.
// Every RemoteError matches ErrUnavailable.
type RemoteError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "fetch_subscription")
	Feature    string // Feature name if applicable
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *RemoteError) Error() string {
	if e.Feature != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Feature, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *RemoteError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrUnavailable:
		return true
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	case ErrInvalidPayload:
		return e.Type == ErrorTypeValidation
	}

	return errors.Is(e.Err, target)
}

// NewRemoteError creates a new RemoteError
func NewRemoteError(errorType ErrorType, op string, err error) *RemoteError {
	return &RemoteError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithFeature adds the feature name to the error
func (e *RemoteError) WithFeature(feature string) *RemoteError {
	e.Feature = feature
	return e
}

// WithStatusCode adds HTTP status code to the error
func (e *RemoteError) WithStatusCode(code int) *RemoteError {
	e.StatusCode = code
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeAPI:
		return true
	default:
		return false
	}
}

// Classify wraps a transport-level failure from an HTTP round trip,
// separating timeouts from other connection failures.
func Classify(op string, err error) *RemoteError {
	if err == nil {
		return nil
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr
	}
	if isTimeout(err) {
		return NewRemoteError(ErrorTypeTimeout, op, fmt.Errorf("%w: %v", ErrTimeout, err))
	}
	return NewRemoteError(ErrorTypeConnection, op, err)
}

// FromStatus builds the error for a non-2xx response.
func FromStatus(op string, statusCode int, body string) *RemoteError {
	errorType := ErrorTypeAPI
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		errorType = ErrorTypeAuth
	case http.StatusNotFound:
		errorType = ErrorTypeNotFound
	}

	msg := fmt.Sprintf("status %d", statusCode)
	if body = strings.TrimSpace(body); body != "" {
		msg = fmt.Sprintf("%s: %s", msg, body)
	}
	return NewRemoteError(errorType, op, errors.New(msg)).WithStatusCode(statusCode)
}

// WrapValidationError marks a malformed backend payload.
func WrapValidationError(op string, err error) error {
	return NewRemoteError(ErrorTypeValidation, op, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// IsUnavailable reports whether err means the backend could not be used.
func IsUnavailable(err error) bool {
	return err != nil && errors.Is(err, ErrUnavailable)
}

// TypeOf returns the error category, or "" for non-remote errors.
func TypeOf(err error) ErrorType {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Type
	}
	return ""
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
