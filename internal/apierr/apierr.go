// Package apierr defines the typed error kinds shared by every core and the
// mapping from each kind to its wire presentation (WebSocket error frame
// code, HTTP status).
package apierr

import (
	"errors"
	"net/http"
)

// Kind enumerates the error categories a core can surface.
type Kind string

const (
	KindInvalidRequest     Kind = "InvalidRequest"
	KindAuthFailure        Kind = "AuthFailure"
	KindUpstreamUnreachable Kind = "UpstreamUnreachable"
	KindUpstreamClosed     Kind = "UpstreamClosed"
	KindRateLimited        Kind = "RateLimited"
	KindSecurityBlocked    Kind = "SecurityBlocked"
	KindTimeout            Kind = "Timeout"
	KindInternal           Kind = "Internal"
)

// Error is the typed error every core returns across its operations. It
// carries a machine-readable Code distinct from Kind (e.g. Kind=RateLimited,
// Code=MINUTE_LIMIT_EXCEEDED) and a Message meant for display — callers must
// ensure Message is already redacted where required (AI-layer errors).
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap constructs an *Error that carries an underlying cause.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the HTTP status code used by the thin JSON
// endpoints the cores expose (test-connection, config CRUD).
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuthFailure:
		return http.StatusUnauthorized
	case KindUpstreamUnreachable, KindUpstreamClosed:
		return http.StatusBadGateway
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindSecurityBlocked:
		return http.StatusUnprocessableEntity
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Frame is the wire shape carried on an error-bearing WebSocket frame's
// `data` field: {code, message}.
type Frame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToFrame converts an *Error to its wire {code, message} representation.
func (e *Error) ToFrame() Frame {
	code := e.Code
	if code == "" {
		code = string(e.Kind)
	}
	return Frame{Code: code, Message: e.Message}
}
