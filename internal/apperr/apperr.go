// Package apperr provides the standardized error shape used across the
// connection manager and the HTTP control API.
//
// Error Structure:
//   - Code: machine-readable identifier (e.g. "AUTH_FAILED")
//   - Message: human-readable description
//   - Details: optional debugging context
//   - StatusCode: HTTP status for API responses; unused for protocol frames
//   - CloseCode: Pusher WebSocket close code, 0 when not applicable
//
// Kinds map onto the error categories named by the base specification:
// AuthError, ProtocolError, QuotaError, NotFound, Transient, Fatal.
package apperr

import "fmt"

// AppError is a standardized error carrying both HTTP and WebSocket
// protocol context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	StatusCode int    `json:"-"`
	CloseCode  int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse is the JSON shape returned by the HTTP control API,
// matching the Pusher-documented error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// ToResponse converts an AppError into its wire representation.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Code,
		Message: e.Message,
		Code:    e.Code,
		Details: e.Details,
	}
}

// Error codes, grouped by kind.
const (
	CodeAuthFailed         = "AUTH_FAILED"
	CodeTimestampSkew      = "TIMESTAMP_SKEW"
	CodeMalformedFrame     = "MALFORMED_FRAME"
	CodeUnknownEvent       = "UNKNOWN_EVENT"
	CodeInvalidChannel     = "INVALID_CHANNEL_NAME"
	CodeRateLimited        = "RATE_LIMITED"
	CodeConnectionQuota    = "CONNECTION_QUOTA_EXCEEDED"
	CodeSubscriptionQuota  = "SUBSCRIPTION_QUOTA_EXCEEDED"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeAppNotFound        = "APP_NOT_FOUND"
	CodeAppDisabled        = "APP_DISABLED"
	CodeChannelNotFound    = "CHANNEL_NOT_FOUND"
	CodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
	CodeBadRequest         = "BAD_REQUEST"
)

// Pusher WebSocket close codes (spec §4.E).
const (
	CloseSSLRequired       = 4000
	CloseAppNotFound       = 4001
	CloseAppDisabled       = 4003
	CloseConnectionQuota   = 4004
	CloseAuthFailure       = 4009
	CloseOverSubscribed    = 4100
	CloseActivityTimeout   = 4201
	CloseServerShutdown    = 4301
)

// Auth builds an AuthError: signature mismatch, bad token, or
// timestamp skew on a signed request.
func Auth(code, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: 401, CloseCode: CloseAuthFailure}
}

// Protocol builds a ProtocolError: malformed frame, unknown event, or
// an invalid channel name.
func Protocol(code, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: 400}
}

// Quota builds a QuotaError: rate, connection, subscription, or
// payload-size limit exceeded.
func Quota(code, message string, closeCode int) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: 429, CloseCode: closeCode}
}

// NotFound builds a NotFound error for a missing app, channel, or user.
func NotFound(code, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: 404}
}

// Transient builds a Transient error: pub/sub disconnect or backend
// timeout. Callers should retry with backoff rather than surface it
// to the client as permanent.
func Transient(message string) *AppError {
	return &AppError{Code: CodeBackendUnavailable, Message: message, StatusCode: 503}
}

// Fatal builds a Fatal error: bind failure or invalid config,
// surfaced only at startup.
func Fatal(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message, StatusCode: 500}
}

// Internal wraps an unexpected error as a 500 AppError.
func Internal(err error) *AppError {
	return &AppError{Code: CodeInternal, Message: "internal server error", Details: err.Error(), StatusCode: 500}
}
