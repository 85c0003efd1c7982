package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind categorizes a failure for retry decisions, exit-code mapping, and
// user-visible error nodes.
type Kind string

const (
	// KindConfigInvalid indicates malformed parameters, an unknown provider,
	// or a bad path.
	KindConfigInvalid Kind = "config_invalid"

	// KindAuthFailed indicates a missing or rejected credential (HTTP 401, 403).
	KindAuthFailed Kind = "auth_failed"

	// KindRateLimited indicates a provider rate-limit reply (HTTP 429).
	KindRateLimited Kind = "rate_limited"

	// KindTimeout indicates a network or subscriber-queue timeout.
	KindTimeout Kind = "timeout"

	// KindNetwork indicates a transport-level failure.
	KindNetwork Kind = "network"

	// KindBadRequest indicates the provider reported the request malformed,
	// often due to model constraints (HTTP 400).
	KindBadRequest Kind = "bad_request"

	// KindServerError indicates provider-side issues (HTTP 5xx).
	KindServerError Kind = "server_error"

	// KindNotFound indicates an identifier that does not resolve (HTTP 404,
	// or a store lookup miss).
	KindNotFound Kind = "not_found"

	// KindConversationCorrupt indicates an on-disk conversation file that
	// violates invariants.
	KindConversationCorrupt Kind = "conversation_corrupt"

	// KindInvariantViolation is internal and represents a bug; never reached
	// in correct code.
	KindInvariantViolation Kind = "invariant_violation"

	// KindCancelled indicates an explicit cancel.
	KindCancelled Kind = "cancelled"

	// KindUnknown indicates an unclassified error.
	KindUnknown Kind = "unknown"
)

// Retryable returns true if resubmitting the same request may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServerError, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is a structured failure from a provider or the surrounding core.
// It captures the context needed for retry decisions and debugging.
type Error struct {
	// Kind categorizes the error for retry and exit-code logic.
	Kind Kind

	// Provider is the driver name (e.g. "anthropic", "openai").
	Provider string

	// Model is the model that was requested, if any.
	Model string

	// Status is the HTTP status code, if applicable.
	Status int

	// Code is the provider-specific error code.
	Code string

	// Message is the human-readable error message.
	Message string

	// RequestID is the provider's request ID for debugging.
	RequestID string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}

	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}

	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error for the given provider and model, classifying
// the cause.
func NewError(provider, model string, cause error) *Error {
	err := &Error{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Kind:     KindUnknown,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Kind = Classify(cause)
	}

	return err
}

// WithKind overrides the classified kind.
func (e *Error) WithKind(kind Kind) *Error {
	e.Kind = kind
	return e
}

// WithStatus adds the HTTP status and reclassifies from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if kind := classifyStatus(status); kind != KindUnknown {
		e.Kind = kind
	}
	return e
}

// WithCode adds a provider-specific error code and reclassifies when the
// code is recognized.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	if kind := classifyCode(code); kind != KindUnknown {
		e.Kind = kind
	}
	return e
}

// WithMessage sets the error message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithRequestID adds the provider's request ID.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// Classify inspects an error and returns the appropriate Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "etimedout") {
		return KindTimeout
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return KindRateLimited
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "permission") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return KindAuthFailed
	}

	if strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "not_found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "404") {
		return KindNotFound
	}

	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return KindServerError
	}

	if strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "eof") {
		return KindNetwork
	}

	if strings.Contains(errStr, "invalid request") ||
		strings.Contains(errStr, "invalid_request") ||
		strings.Contains(errStr, "bad request") ||
		strings.Contains(errStr, "400") {
		return KindBadRequest
	}

	if strings.Contains(errStr, "cancel") {
		return KindCancelled
	}

	return KindUnknown
}

// classifyStatus returns a Kind based on the HTTP status code.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthFailed
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindBadRequest
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}

// classifyCode returns a Kind based on provider-specific error code strings.
func classifyCode(code string) Kind {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "insufficient_quota":
		return KindRateLimited
	case "authentication_error", "invalid_api_key", "permission_error":
		return KindAuthFailed
	case "invalid_request_error", "invalid_argument":
		return KindBadRequest
	case "not_found_error", "model_not_found":
		return KindNotFound
	case "server_error", "internal_error", "api_error", "overloaded_error":
		return KindServerError
	case "timeout_error", "timeout":
		return KindTimeout
	default:
		return KindUnknown
	}
}

// AsError extracts an *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// KindOf returns the Kind carried by err, classifying raw errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if perr, ok := AsError(err); ok {
		return perr.Kind
	}
	return Classify(err)
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
