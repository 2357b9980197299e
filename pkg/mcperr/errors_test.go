package mcperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := New(CodeToolNotFound, "tool %q not found", "echo")
	assert.Equal(t, `ToolNotFound: tool "echo" not found`, e.Error())

	cause := errors.New("dial tcp: refused")
	wrapped := Wrap(CodeTransportError, cause, "connect to %s", "srv-a")
	assert.Contains(t, wrapped.Error(), "TransportError: connect to srv-a")
	assert.Contains(t, wrapped.Error(), "refused")
	assert.True(t, errors.Is(wrapped, cause))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"direct", New(CodeGroupNotFound, "no such group"), CodeGroupNotFound},
		{"wrapped once", fmt.Errorf("handling request: %w", New(CodeAccessDenied, "key rejected")), CodeAccessDenied},
		{"plain error", errors.New("boom"), ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestTransportKindOf(t *testing.T) {
	err := Transport(TransportTooLarge, nil, "message exceeds limit")
	assert.Equal(t, TransportTooLarge, TransportKindOf(err))
	assert.Equal(t, TransportKind(""), TransportKindOf(errors.New("plain")))

	wrapped := fmt.Errorf("read loop: %w", err)
	assert.Equal(t, TransportTooLarge, TransportKindOf(wrapped))
}

func TestFromError(t *testing.T) {
	require.Nil(t, FromError(nil))

	e := New(CodeRateLimitExceeded, "window full")
	assert.Same(t, e, FromError(e))

	foreign := errors.New("something else")
	converted := FromError(foreign)
	assert.Equal(t, CodeServerError, converted.Code)
	assert.Equal(t, "something else", converted.Message)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInvalidParams, http.StatusBadRequest},
		{CodeAuthFailed, http.StatusUnauthorized},
		{CodeAccessDenied, http.StatusForbidden},
		{CodeToolNotFound, http.StatusNotFound},
		{CodeServerAlreadyConnected, http.StatusConflict},
		{CodeRateLimitExceeded, http.StatusTooManyRequests},
		{CodeNoServersAvailable, http.StatusServiceUnavailable},
		{CodeToolExecutionFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Code
	}{
		{400, CodeInvalidParams},
		{401, CodeAuthFailed},
		{403, CodeForbidden},
		{404, CodeNotFound},
		{429, CodeRateLimitExceeded},
		{500, CodeServerError},
		{502, CodeServerError},
		{503, CodeServerError},
		{418, CodeServerError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, FromHTTPStatus(tt.status))
		})
	}
}
