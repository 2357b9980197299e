package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

func TestNewStdio(t *testing.T) {
	tr, err := New(models.ServerConfig{
		Command: "uvx",
		Args:    []string{"mcp-server-time"},
		Env:     map[string]string{"TZ": "UTC"},
	})
	require.NoError(t, err)
	assert.NotNil(t, tr)
}

func TestNewStdioRequiresCommand(t *testing.T) {
	_, err := New(models.ServerConfig{Type: models.ServerTypeStdio})
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeConfigError, mcperr.CodeOf(err))
}

func TestNewNetworkTransports(t *testing.T) {
	tests := []struct {
		name   string
		config models.ServerConfig
	}{
		{"sse", models.ServerConfig{Type: models.ServerTypeSSE, URL: "http://localhost:3001/sse"}},
		{"sse with headers", models.ServerConfig{Type: models.ServerTypeSSE, URL: "http://localhost:3001/sse", Headers: map[string]string{"Authorization": "Bearer x"}}},
		{"http", models.ServerConfig{Type: models.ServerTypeHTTP, URL: "http://localhost:3001/mcp"}},
		{"inferred http", models.ServerConfig{URL: "http://localhost:3001/mcp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := New(tt.config)
			require.NoError(t, err)
			assert.NotNil(t, tr)
		})
	}
}

func TestNewNetworkRequiresURL(t *testing.T) {
	_, err := New(models.ServerConfig{Type: models.ServerTypeSSE})
	require.Error(t, err)
	_, err = New(models.ServerConfig{Type: models.ServerTypeHTTP})
	require.Error(t, err)
}

func TestWrapStartError(t *testing.T) {
	cause := errors.New("no such file")

	err := WrapStartError(models.ServerTypeStdio, cause)
	assert.Equal(t, mcperr.TransportSpawn, mcperr.TransportKindOf(err))

	err = WrapStartError(models.ServerTypeSSE, cause)
	assert.Equal(t, mcperr.TransportNetwork, mcperr.TransportKindOf(err))

	assert.Nil(t, WrapStartError(models.ServerTypeStdio, nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want mcperr.TransportKind
	}{
		{"net error", &net.DNSError{Err: "no such host", Name: "x"}, mcperr.TransportNetwork},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("refused")}, mcperr.TransportNetwork},
		{"json syntax", jsonSyntaxError(), mcperr.TransportFraming},
		{"plain", errors.New("unexpected response"), mcperr.TransportProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mcperr.TransportKindOf(Classify(tt.err)))
		})
	}

	already := mcperr.Transport(mcperr.TransportTooLarge, nil, "big")
	assert.Same(t, already, Classify(already))
}

func jsonSyntaxError() error {
	var v any
	return json.Unmarshal([]byte("{"), &v)
}

func TestCheckFrameSize(t *testing.T) {
	exactly := bytes.Repeat([]byte("a"), MaxInboundMessageSize)
	assert.NoError(t, CheckFrameSize(exactly))

	over := append(exactly, 'b')
	err := CheckFrameSize(over)
	require.Error(t, err)
	assert.Equal(t, mcperr.TransportTooLarge, mcperr.TransportKindOf(err))
}
