package apitools

import (
	"encoding/json"

	"mcphub/pkg/mcperr"
)

// Document is the shape of api-tools.json.
type Document struct {
	Version string    `json:"version"`
	Tools   []*Config `json:"tools"`
}

// Config describes one API-synthesised tool.
type Config struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	API         APISpec        `json:"api"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Response    ResponseSpec   `json:"response,omitempty"`
	Security    *SecuritySpec  `json:"security,omitempty"`
}

// APISpec is the declarative HTTP request template. URL, header values,
// query values and body leaves may embed {{data.path}} and {{env.NAME}}.
type APISpec struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"queryParams,omitempty"`
	Body        any               `json:"body,omitempty"`
}

// ResponseSpec controls response shaping. JSONata runs against JSON bodies;
// Fallback is tried when the primary expression fails. ErrorPath extracts a
// message from error bodies.
type ResponseSpec struct {
	JSONata   string `json:"jsonata,omitempty"`
	Fallback  string `json:"fallback,omitempty"`
	ErrorPath string `json:"errorPath,omitempty"`
}

// SecuritySpec gates tool execution.
type SecuritySpec struct {
	RateLimit       *RateLimitSpec `json:"rateLimit,omitempty"`
	DomainWhitelist []string       `json:"domainWhitelist,omitempty"`
	SensitiveKeys   []string       `json:"sensitiveKeys,omitempty"`
}

// RateLimitSpec is a sliding window bound per (tool, client).
type RateLimitSpec struct {
	MaxRequests   int `json:"maxRequests"`
	WindowSeconds int `json:"windowSeconds"`
}

var allowedMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
	"PATCH":  true,
}

// ParseDocument decodes api-tools.json without validating it; callers run
// Validate on the result.
func ParseDocument(content []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, mcperr.Wrap(mcperr.CodeConfigError, err, "invalid api tools JSON")
	}
	return &doc, nil
}
