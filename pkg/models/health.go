package models

import "time"

// HealthReport is produced by the hub's periodic health check.
type HealthReport struct {
	Timestamp     time.Time                `json:"timestamp"`
	Score         int                      `json:"score"`
	Status        string                   `json:"status"`
	StatusCounts  map[ConnectionStatus]int `json:"statusCounts"`
	Servers       []ServerSnapshot         `json:"servers"`
	Groups        []GroupHealth            `json:"groups"`
	CriticalCount int                      `json:"criticalCount"`
	WarningCount  int                      `json:"warningCount"`
}

// GroupHealth is per-group availability inside a health report.
type GroupHealth struct {
	GroupID          string `json:"groupId"`
	Name             string `json:"name"`
	Available        bool   `json:"available"`
	ConnectedServers int    `json:"connectedServers"`
	TotalServers     int    `json:"totalServers"`
}

// TraceDirection orients a traced MCP message relative to the hub.
type TraceDirection string

const (
	TraceOutbound TraceDirection = "outbound"
	TraceInbound  TraceDirection = "inbound"
)

// TraceEntry is one captured MCP message in the hub's trace ring.
type TraceEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	ServerID  string         `json:"serverId"`
	Direction TraceDirection `json:"direction"`
	Method    string         `json:"method"`
	Payload   any            `json:"payload,omitempty"`
}

// APIResponse is the envelope every external HTTP response uses.
type APIResponse struct {
	Success   bool      `json:"success"`
	Error     *APIError `json:"error,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIError is the error half of the response envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}
