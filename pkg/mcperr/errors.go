package mcperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a hub error class. Codes are stable strings: they appear in
// external response envelopes and in MCP tool results, so renaming one is a
// breaking change.
type Code string

const (
	CodeConfigError Code = "ConfigError"

	CodeTransportError Code = "TransportError"

	CodeServerNotInitialized   Code = "ServerNotInitialized"
	CodeServerNotFound         Code = "ServerNotFound"
	CodeServerAlreadyConnected Code = "ServerAlreadyConnected"

	CodeGroupNotFound         Code = "GroupNotFound"
	CodeInvalidGroupReference Code = "InvalidGroupReference"
	CodeAccessDenied          Code = "AccessDenied"

	CodeToolNotFound           Code = "ToolNotFound"
	CodeNoServersAvailable     Code = "NoServersAvailable"
	CodeToolExecutionFailed    Code = "ToolExecutionFailed"
	CodeToolExecutionCancelled Code = "ToolExecutionCancelled"

	CodeInvalidParams              Code = "InvalidParams"
	CodeUnresolvedTemplateVariable Code = "UnresolvedTemplateVariable"
	CodeJSONataExecutionError      Code = "JSONataExecutionError"

	CodeRateLimitExceeded  Code = "RateLimitExceeded"
	CodeSuspiciousActivity Code = "SuspiciousActivity"
	CodeAuthFailed         Code = "AuthFailed"
	CodeForbidden          Code = "Forbidden"
	CodeNotFound           Code = "NotFound"
	CodeServerError        Code = "ServerError"
)

// TransportKind narrows a TransportError to the layer that failed.
type TransportKind string

const (
	TransportSpawn    TransportKind = "spawn"
	TransportNetwork  TransportKind = "network"
	TransportProtocol TransportKind = "protocol"
	TransportFraming  TransportKind = "framing"
	TransportTooLarge TransportKind = "tooLarge"
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value pair to the error's details map.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps cause, preserving it for errors.Is/As.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Transport creates a TransportError of the given kind wrapping cause.
func Transport(kind TransportKind, cause error, format string, args ...any) *Error {
	e := Wrap(CodeTransportError, cause, format, args...)
	return e.WithDetail("kind", string(kind))
}

// TransportKindOf returns the transport kind recorded on err, or "".
func TransportKindOf(err error) TransportKind {
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeTransportError {
		return ""
	}
	if k, ok := e.Details["kind"].(string); ok {
		return TransportKind(k)
	}
	return ""
}

// CodeOf extracts the hub error code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// FromError returns err as *Error, wrapping foreign errors as ServerError.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeServerError, Message: err.Error(), Err: err}
}

// HTTPStatus maps an error code to the status used by the external surface.
func HTTPStatus(code Code) int {
	switch code {
	case CodeConfigError, CodeInvalidParams, CodeUnresolvedTemplateVariable, CodeInvalidGroupReference:
		return http.StatusBadRequest
	case CodeAuthFailed:
		return http.StatusUnauthorized
	case CodeAccessDenied, CodeForbidden, CodeSuspiciousActivity:
		return http.StatusForbidden
	case CodeNotFound, CodeToolNotFound, CodeServerNotFound, CodeGroupNotFound:
		return http.StatusNotFound
	case CodeServerAlreadyConnected:
		return http.StatusConflict
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeNoServersAvailable, CodeServerNotInitialized:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus derives the error code for an upstream HTTP status >= 400.
func FromHTTPStatus(status int) Code {
	switch {
	case status == http.StatusBadRequest:
		return CodeInvalidParams
	case status == http.StatusUnauthorized:
		return CodeAuthFailed
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusTooManyRequests:
		return CodeRateLimitExceeded
	case status >= 500:
		return CodeServerError
	default:
		return CodeServerError
	}
}
