package types

import (
	"fmt"
	"net/http"
)

// StreamError is a client-visible failure with HTTP-status-like semantics.
//
// Every rejection on a streaming endpoint is serialized as exactly one
// structured error envelope before the transport is closed.
type StreamError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Envelope converts the error into a stream message ready to send.
func (e *StreamError) Envelope() StreamMessage {
	msg := NewStreamMessage(MessageError)
	msg.Code = e.Code
	msg.Message = e.Message

	return msg
}

// NewAuthenticationError reports a missing or invalid credential.
func NewAuthenticationError(message string) *StreamError {
	return &StreamError{Code: http.StatusUnauthorized, Message: message}
}

// NewAuthorizationError reports a valid credential with an insufficient role.
func NewAuthorizationError(message string) *StreamError {
	return &StreamError{Code: http.StatusForbidden, Message: message}
}

// NewTargetNotFoundError reports a missing target resource.
func NewTargetNotFoundError(message string) *StreamError {
	return &StreamError{Code: http.StatusNotFound, Message: message}
}

// NewTargetNotRunningError reports a target that exists but cannot serve the
// requested operation in its current state.
func NewTargetNotRunningError(message string) *StreamError {
	return &StreamError{Code: http.StatusBadRequest, Message: message}
}

// NewUpstreamUnavailableError reports a spawn or upstream connect failure.
func NewUpstreamUnavailableError(message string) *StreamError {
	return &StreamError{Code: http.StatusBadGateway, Message: message}
}
