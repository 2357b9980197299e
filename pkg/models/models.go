package models

import (
	"strings"
	"time"
)

// ServerType selects the transport used to reach a downstream MCP server.
type ServerType string

const (
	ServerTypeStdio ServerType = "stdio"
	ServerTypeSSE   ServerType = "sse"
	ServerTypeHTTP  ServerType = "http"
)

// ConnectionStatus is the lifecycle state of one server connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusConnecting   ConnectionStatus = "CONNECTING"
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusError        ConnectionStatus = "ERROR"
)

// ServerConfig describes one downstream MCP server as written in
// mcp_server.json. Stdio servers set Command; network servers set URL.
type ServerConfig struct {
	Type    ServerType        `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled *bool             `json:"enabled,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ResolvedType normalises the declared type, inferring it when omitted:
// a command means stdio, a URL ending in /sse means SSE, any other URL
// means streamable HTTP.
func (c ServerConfig) ResolvedType() ServerType {
	switch strings.ToLower(string(c.Type)) {
	case "stdio":
		return ServerTypeStdio
	case "sse":
		return ServerTypeSSE
	case "http", "streamable-http", "streamablehttp":
		return ServerTypeHTTP
	}
	if c.Command != "" {
		return ServerTypeStdio
	}
	if strings.HasSuffix(strings.TrimRight(c.URL, "/"), "/sse") {
		return ServerTypeSSE
	}
	return ServerTypeHTTP
}

// ToolOriginKind says which subsystem serves a tool.
type ToolOriginKind string

const (
	OriginServer ToolOriginKind = "server"
	OriginAPI    ToolOriginKind = "api"
)

// ToolOrigin points at the backend that executes a tool: a downstream MCP
// server id or an API tool config id.
type ToolOrigin struct {
	Kind ToolOriginKind `json:"kind"`
	ID   string         `json:"id"`
}

// Tool is one entry of the hub's aggregated catalogue. Names are unique
// across the hub.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Origin      ToolOrigin     `json:"origin"`
}

// GroupValidation carries the hashed access key for a gated group. Only the
// hash and timestamps are stored.
type GroupValidation struct {
	Enabled     bool      `json:"enabled"`
	KeyHash     string    `json:"keyHash,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// GroupConfig is a named subset of the hub: which servers it spans and,
// optionally, which tools it exposes. An empty Tools list means no filter.
type GroupConfig struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Servers     []string         `json:"servers"`
	Tools       []string         `json:"tools,omitempty"`
	Validation  *GroupValidation `json:"validation,omitempty"`
}

// RequiresKey reports whether the group gates access behind a key.
func (g GroupConfig) RequiresKey() bool {
	return g.Validation != nil && g.Validation.Enabled && g.Validation.KeyHash != ""
}

// ServerSnapshot is a read-only view of one connection, safe to hand out.
type ServerSnapshot struct {
	ID                string           `json:"id"`
	Status            ConnectionStatus `json:"status"`
	ToolCount         int              `json:"toolCount"`
	LastConnected     *time.Time       `json:"lastConnected,omitempty"`
	LastError         string           `json:"lastError,omitempty"`
	ReconnectAttempts int              `json:"reconnectAttempts"`
}
