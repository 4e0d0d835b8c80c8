// Package errors provides the standardized error taxonomy for the tether subsystem.
package errors

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Cryptographic / session errors
const (
	ErrCodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeTokenInvalid         ErrorCode = "TOKEN_INVALID"
	ErrCodeKeyDerivationFailed  ErrorCode = "KEY_DERIVATION_FAILED"
)

// Connection errors
const (
	ErrCodeIncompatibleMatch         ErrorCode = "INCOMPATIBLE_MATCH"
	ErrCodeConnectionLimitExceeded   ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
	ErrCodeConnectionNotFound        ErrorCode = "CONNECTION_NOT_FOUND"
	ErrCodePulseNotFound             ErrorCode = "PULSE_NOT_FOUND"
	ErrCodeEmergencyCaseNotFound     ErrorCode = "EMERGENCY_CASE_NOT_FOUND"
	ErrCodeInvalidStateTransition    ErrorCode = "INVALID_STATE_TRANSITION"
	ErrCodeEmergencyActivationFailed ErrorCode = "EMERGENCY_ACTIVATION_FAILED"
)

// Infrastructure errors
const (
	ErrCodeValidationFailed       ErrorCode = "VALIDATION_FAILED"
	ErrCodeDatabaseQueryFailed    ErrorCode = "DATABASE_QUERY_FAILED"
	ErrCodeNotificationSendFailed ErrorCode = "NOTIFICATION_SEND_FAILED"
	ErrCodeExternalService        ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeTimeout                ErrorCode = "TIMEOUT_ERROR"
	ErrCodeInternal               ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Is matches any StandardError carrying the same code, so sentinels work with errors.Is.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// ==========================
// 2. Sentinels
// ==========================

var (
	ErrSessionNotFound           = &StandardError{Code: ErrCodeSessionNotFound, Message: "Session not found"}
	ErrAuthenticationFailed      = &StandardError{Code: ErrCodeAuthenticationFailed, Message: "Ciphertext authentication failed"}
	ErrTokenInvalid              = &StandardError{Code: ErrCodeTokenInvalid, Message: "Anonymous token invalid"}
	ErrIncompatibleMatch         = &StandardError{Code: ErrCodeIncompatibleMatch, Message: "Compatibility below threshold"}
	ErrConnectionLimitExceeded   = &StandardError{Code: ErrCodeConnectionLimitExceeded, Message: "Connection limit exceeded"}
	ErrConnectionNotFound        = &StandardError{Code: ErrCodeConnectionNotFound, Message: "Connection not found"}
	ErrPulseNotFound             = &StandardError{Code: ErrCodePulseNotFound, Message: "Pulse not found"}
	ErrEmergencyCaseNotFound     = &StandardError{Code: ErrCodeEmergencyCaseNotFound, Message: "Emergency case not found"}
	ErrInvalidStateTransition    = &StandardError{Code: ErrCodeInvalidStateTransition, Message: "Invalid state transition"}
	ErrEmergencyActivationFailed = &StandardError{Code: ErrCodeEmergencyActivationFailed, Message: "Emergency activation failed"}
	ErrValidationFailed          = &StandardError{Code: ErrCodeValidationFailed, Message: "Validation failed"}
)

// ==========================
// 3. Error Constructors
// ==========================

// NewSessionNotFoundError is returned for absent, expired and destroyed sessions alike.
func NewSessionNotFoundError(sessionPrefix string) *StandardError {
	return &StandardError{
		Code:      ErrCodeSessionNotFound,
		Message:   "Session not found",
		Details:   fmt.Sprintf("sessionId: %s", sessionPrefix),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewAuthenticationFailedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeAuthenticationFailed,
		Message:   "Ciphertext authentication failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewTokenInvalidError(reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodeTokenInvalid,
		Message:   "Anonymous token invalid",
		Details:   reason,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewKeyDerivationFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeKeyDerivationFailed,
		Message:   "Key derivation failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewIncompatibleMatchError(score, threshold float64) *StandardError {
	return &StandardError{
		Code:      ErrCodeIncompatibleMatch,
		Message:   "Compatibility below threshold",
		Details:   fmt.Sprintf("score: %.3f, threshold: %.3f", score, threshold),
		Retryable: false,
		Metadata: map[string]interface{}{
			"score":     score,
			"threshold": threshold,
		},
		Timestamp: time.Now().UTC(),
	}
}

func NewConnectionLimitExceededError(userID string, limit int) *StandardError {
	return &StandardError{
		Code:      ErrCodeConnectionLimitExceeded,
		Message:   "Connection limit exceeded",
		Details:   fmt.Sprintf("userId: %s, limit: %d", userID, limit),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewConnectionNotFoundError(tetherID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeConnectionNotFound,
		Message:   "Connection not found",
		Details:   fmt.Sprintf("tetherId: %s", tetherID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewPulseNotFoundError(pulseID string) *StandardError {
	return &StandardError{
		Code:      ErrCodePulseNotFound,
		Message:   "Pulse not found",
		Details:   fmt.Sprintf("pulseId: %s", pulseID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewEmergencyCaseNotFoundError(caseID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeEmergencyCaseNotFound,
		Message:   "Emergency case not found",
		Details:   fmt.Sprintf("caseId: %s", caseID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewInvalidStateTransitionError(from, to string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidStateTransition,
		Message:   "Invalid state transition",
		Details:   fmt.Sprintf("from: %s, to: %s", from, to),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewEmergencyActivationFailedError carries an actionable message for the life-safety path.
func NewEmergencyActivationFailedError(tetherID string, err error) *StandardError {
	details := fmt.Sprintf("tetherId: %s", tetherID)
	if err != nil {
		details = fmt.Sprintf("tetherId: %s, error: %s", tetherID, err.Error())
	}
	return &StandardError{
		Code:      ErrCodeEmergencyActivationFailed,
		Message:   "Emergency could not be activated; contact local emergency services directly",
		Details:   details,
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewValidationFailedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationFailed,
		Message:   "Validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewDatabaseQueryFailedError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseQueryFailed,
		Message:   "Database query failed",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewNotificationSendFailedError(channel string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotificationSendFailed,
		Message:   "Notification delivery failed",
		Details:   fmt.Sprintf("channel: %s, error: %s", channel, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewExternalServiceError(service string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeExternalService,
		Message:   fmt.Sprintf("External service '%s' error", service),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewTimeoutError(service string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeTimeout,
		Message:   fmt.Sprintf("Service '%s' timeout", service),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// ==========================
// 4. Utility Functions
// ==========================

// HTTPStatus maps an error code to the caller-facing HTTP status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeSessionNotFound, ErrCodeConnectionNotFound, ErrCodePulseNotFound, ErrCodeEmergencyCaseNotFound:
		return http.StatusNotFound
	case ErrCodeAuthenticationFailed:
		return http.StatusUnauthorized
	case ErrCodeTokenInvalid:
		return http.StatusForbidden
	case ErrCodeInvalidStateTransition:
		return http.StatusConflict
	case ErrCodeIncompatibleMatch, ErrCodeValidationFailed:
		return http.StatusUnprocessableEntity
	case ErrCodeConnectionLimitExceeded:
		return http.StatusTooManyRequests
	case ErrCodeEmergencyActivationFailed, ErrCodeExternalService, ErrCodeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "SESSION") || strings.Contains(codeStr, "TOKEN") ||
		strings.Contains(codeStr, "AUTHENTICATION") || strings.Contains(codeStr, "KEY"):
		return "CRYPTO"
	case strings.Contains(codeStr, "EMERGENCY"):
		return "EMERGENCY"
	case strings.Contains(codeStr, "CONNECTION") || strings.Contains(codeStr, "MATCH") || strings.Contains(codeStr, "PULSE"):
		return "CONNECTION"
	case strings.Contains(codeStr, "DATABASE"):
		return "DATABASE"
	case strings.Contains(codeStr, "NOTIFICATION"):
		return "NOTIFICATION"
	case strings.Contains(codeStr, "INVALID") || strings.Contains(codeStr, "VALIDATION"):
		return "VALIDATION"
	default:
		return "OTHER"
	}
}

// IsRetryable reports whether err is a StandardError flagged retryable.
func IsRetryable(err error) bool {
	if stdErr, ok := err.(*StandardError); ok {
		return stdErr.Retryable
	}
	return false
}
