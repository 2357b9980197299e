package apitools

import (
	"fmt"
	"net/url"
	"strings"

	jsonata "github.com/blues/jsonata-go"
	"github.com/xeipuuv/gojsonschema"
)

// Severity ranks a validation finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Finding is one validation result with enough context to fix the config.
type Finding struct {
	Path     string   `json:"path"`
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Hint     string   `json:"hint,omitempty"`
}

// Finding codes.
const (
	CodeMissingID        = "missing-id"
	CodeDuplicateID      = "duplicate-id"
	CodeMissingName      = "missing-name"
	CodeDuplicateName    = "duplicate-name"
	CodeInvalidURL       = "invalid-url"
	CodeInvalidMethod    = "invalid-method"
	CodeInvalidSchema    = "invalid-schema"
	CodeInvalidTemplate  = "invalid-template"
	CodeInvalidJSONata   = "invalid-jsonata"
	CodeInvalidRateLimit = "invalid-rate-limit"
	CodeEmptyWhitelist   = "empty-whitelist-pattern"
	CodeMissingVersion   = "missing-version"
)

var hints = map[string]string{
	CodeMissingID:        "give every tool a non-empty id, e.g. \"weather-lookup\"",
	CodeDuplicateID:      "tool ids must be unique within api-tools.json; rename one of the duplicates",
	CodeMissingName:      "give every tool a non-empty name; the name becomes the MCP tool name",
	CodeDuplicateName:    "tool names must be unique within api-tools.json; rename one of the duplicates",
	CodeInvalidURL:       "use an absolute http(s) URL, e.g. https://api.example.com/v1/weather",
	CodeInvalidMethod:    "method must be one of GET, POST, PUT, DELETE, PATCH",
	CodeInvalidSchema:    "parameters must be a valid JSON Schema object; check property types and required lists",
	CodeInvalidTemplate:  "template variables must be {{data.<path>}} or {{env.<NAME>}}",
	CodeInvalidJSONata:   "fix the JSONata expression; see https://jsonata.org for the grammar",
	CodeInvalidRateLimit: "rateLimit needs maxRequests > 0 and windowSeconds > 0",
	CodeEmptyWhitelist:   "remove empty whitelist entries or add a host pattern like *.example.com",
	CodeMissingVersion:   "add a top-level version string, e.g. \"1.0\"",
}

// HasBlocking reports whether any finding is critical.
func HasBlocking(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Validate checks a parsed document and reports every problem found. Critical
// findings make the document unusable; lower severities are advisory.
func Validate(doc *Document) []Finding {
	var findings []Finding
	add := func(path, code string, severity Severity, format string, args ...any) {
		findings = append(findings, Finding{
			Path:     path,
			Code:     code,
			Severity: severity,
			Message:  fmt.Sprintf(format, args...),
			Hint:     hints[code],
		})
	}

	if doc.Version == "" {
		add("version", CodeMissingVersion, SeverityLow, "document has no version")
	}

	seenIDs := make(map[string]int)
	seenNames := make(map[string]int)

	for i, tool := range doc.Tools {
		path := fmt.Sprintf("tools[%d]", i)

		if tool.ID == "" {
			add(path+".id", CodeMissingID, SeverityCritical, "tool has no id")
		} else if prev, dup := seenIDs[tool.ID]; dup {
			add(path+".id", CodeDuplicateID, SeverityCritical, "id %q already used by tools[%d]", tool.ID, prev)
		} else {
			seenIDs[tool.ID] = i
		}

		if tool.Name == "" {
			add(path+".name", CodeMissingName, SeverityCritical, "tool has no name")
		} else if prev, dup := seenNames[tool.Name]; dup {
			add(path+".name", CodeDuplicateName, SeverityCritical, "name %q already used by tools[%d]", tool.Name, prev)
		} else {
			seenNames[tool.Name] = i
		}

		validateAPI(tool, path, add)
		validateSchema(tool, path, add)
		validateTemplates(tool, path, add)
		validateResponse(tool, path, add)
		validateSecurity(tool, path, add)
	}

	return findings
}

type addFunc func(path, code string, severity Severity, format string, args ...any)

func validateAPI(tool *Config, path string, add addFunc) {
	if tool.API.URL == "" {
		add(path+".api.url", CodeInvalidURL, SeverityCritical, "api.url is empty")
	} else {
		// Render env refs to harmless values first so a URL like
		// https://{{env.API_HOST}}/v1 still parses.
		probe := neutraliseTemplates(tool.API.URL)
		if u, err := url.Parse(probe); err != nil || u.Scheme == "" || u.Host == "" {
			add(path+".api.url", CodeInvalidURL, SeverityCritical, "api.url %q is not an absolute URL", tool.API.URL)
		}
	}

	method := strings.ToUpper(tool.API.Method)
	if !allowedMethods[method] {
		add(path+".api.method", CodeInvalidMethod, SeverityCritical, "method %q is not allowed", tool.API.Method)
	}
}

func validateSchema(tool *Config, path string, add addFunc) {
	if tool.Parameters == nil {
		return
	}
	loader := gojsonschema.NewGoLoader(tool.Parameters)
	if _, err := gojsonschema.NewSchema(loader); err != nil {
		add(path+".parameters", CodeInvalidSchema, SeverityHigh, "parameters is not a valid JSON Schema: %v", err)
	}
}

func validateTemplates(tool *Config, path string, add addFunc) {
	check := func(where, value string) {
		for _, ref := range ExtractVariables(value) {
			if !strings.HasPrefix(ref, "data.") && !strings.HasPrefix(ref, "env.") {
				add(where, CodeInvalidTemplate, SeverityHigh, "unknown template namespace in {{%s}}", ref)
			}
		}
		if strings.Count(value, "{{") != strings.Count(value, "}}") {
			add(where, CodeInvalidTemplate, SeverityHigh, "unbalanced template braces")
		}
	}

	check(path+".api.url", tool.API.URL)
	for k, v := range tool.API.Headers {
		check(fmt.Sprintf("%s.api.headers.%s", path, k), v)
	}
	for k, v := range tool.API.QueryParams {
		check(fmt.Sprintf("%s.api.queryParams.%s", path, k), v)
	}
	walkBodyStrings(tool.API.Body, path+".api.body", check)
}

func walkBodyStrings(body any, path string, check func(where, value string)) {
	switch v := body.(type) {
	case string:
		check(path, v)
	case map[string]any:
		for k, child := range v {
			walkBodyStrings(child, path+"."+k, check)
		}
	case []any:
		for i, child := range v {
			walkBodyStrings(child, fmt.Sprintf("%s[%d]", path, i), check)
		}
	}
}

func validateResponse(tool *Config, path string, add addFunc) {
	if tool.Response.JSONata != "" {
		if _, err := jsonata.Compile(tool.Response.JSONata); err != nil {
			add(path+".response.jsonata", CodeInvalidJSONata, SeverityHigh, "jsonata does not compile: %v", err)
		}
	}
	if tool.Response.Fallback != "" {
		if _, err := jsonata.Compile(tool.Response.Fallback); err != nil {
			add(path+".response.fallback", CodeInvalidJSONata, SeverityHigh, "fallback jsonata does not compile: %v", err)
		}
	}
}

func validateSecurity(tool *Config, path string, add addFunc) {
	if tool.Security == nil {
		return
	}
	if rl := tool.Security.RateLimit; rl != nil {
		if rl.MaxRequests <= 0 || rl.WindowSeconds <= 0 {
			add(path+".security.rateLimit", CodeInvalidRateLimit, SeverityMedium,
				"rate limit %d requests / %d seconds is not positive", rl.MaxRequests, rl.WindowSeconds)
		}
	}
	for i, pattern := range tool.Security.DomainWhitelist {
		if strings.TrimSpace(pattern) == "" {
			add(fmt.Sprintf("%s.security.domainWhitelist[%d]", path, i), CodeEmptyWhitelist, SeverityLow, "empty whitelist pattern")
		}
	}
}

// neutraliseTemplates replaces template refs with a placeholder token so
// syntax checks on the surrounding text still work.
func neutraliseTemplates(s string) string {
	return templateVarPattern.ReplaceAllString(s, "placeholder")
}
