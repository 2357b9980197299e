package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/mark3labs/mcp-go/client/transport"

	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

// MaxInboundMessageSize caps a single inbound MCP message on SSE paths.
// Larger payloads fail the message, not the stream.
const MaxInboundMessageSize = 4 * 1024 * 1024

// New constructs the mcp-go transport for a server config. Stdio transports
// spawn lazily on Start; network transports validate their URL here.
func New(cfg models.ServerConfig) (transport.Interface, error) {
	switch cfg.ResolvedType() {
	case models.ServerTypeStdio:
		if cfg.Command == "" {
			return nil, mcperr.New(mcperr.CodeConfigError, "stdio server requires a command")
		}
		var envSlice []string
		for key, value := range cfg.Env {
			envSlice = append(envSlice, fmt.Sprintf("%s=%s", key, value))
		}
		return transport.NewStdio(cfg.Command, envSlice, cfg.Args...), nil

	case models.ServerTypeSSE:
		if cfg.URL == "" {
			return nil, mcperr.New(mcperr.CodeConfigError, "sse server requires a url")
		}
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		t, err := transport.NewSSE(cfg.URL, opts...)
		if err != nil {
			return nil, mcperr.Transport(mcperr.TransportNetwork, err, "creating SSE transport for %s", cfg.URL)
		}
		return t, nil

	default:
		if cfg.URL == "" {
			return nil, mcperr.New(mcperr.CodeConfigError, "http server requires a url")
		}
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		t, err := transport.NewStreamableHTTP(cfg.URL, opts...)
		if err != nil {
			return nil, mcperr.Transport(mcperr.TransportNetwork, err, "creating HTTP transport for %s", cfg.URL)
		}
		return t, nil
	}
}

// WrapStartError classifies a transport start failure by server type: a stdio
// child that does not come up is a spawn fault, network types a network fault.
func WrapStartError(serverType models.ServerType, err error) *mcperr.Error {
	if err == nil {
		return nil
	}
	if serverType == models.ServerTypeStdio {
		return mcperr.Transport(mcperr.TransportSpawn, err, "starting stdio child")
	}
	return mcperr.Transport(mcperr.TransportNetwork, err, "connecting to server")
}

// Classify maps an error from an established connection onto the transport
// taxonomy. Already-classified errors pass through unchanged.
func Classify(err error) *mcperr.Error {
	if err == nil {
		return nil
	}
	var existing *mcperr.Error
	if errors.As(err, &existing) && existing.Code == mcperr.CodeTransportError {
		return existing
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return mcperr.Transport(mcperr.TransportNetwork, err, "network failure")
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return mcperr.Transport(mcperr.TransportFraming, err, "malformed message")
	}

	return mcperr.Transport(mcperr.TransportProtocol, err, "protocol failure")
}

// CheckFrameSize rejects inbound frames above MaxInboundMessageSize.
func CheckFrameSize(frame []byte) error {
	if len(frame) > MaxInboundMessageSize {
		return mcperr.Transport(mcperr.TransportTooLarge, nil,
			"message of %d bytes exceeds %d byte limit", len(frame), MaxInboundMessageSize)
	}
	return nil
}
