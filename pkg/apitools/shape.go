package apitools

import (
	"encoding/json"
	"regexp"
	"strings"

	jsonata "github.com/blues/jsonata-go"
	"github.com/tidwall/gjson"

	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

// ContentKind is the detected shape of an upstream response body.
type ContentKind string

const (
	KindJSON     ContentKind = "json"
	KindXML      ContentKind = "xml"
	KindCSV      ContentKind = "csv"
	KindKeyValue ContentKind = "keyvalue"
	KindText     ContentKind = "text"
)

var keyValueLine = regexp.MustCompile(`^[\w.\-]+\s*[:=]\s*\S`)

// SniffContent decides the body kind from the Content-Type header, falling
// back to inspecting the payload.
func SniffContent(contentType string, body []byte) ContentKind {
	mediaType := strings.ToLower(contentType)
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	mediaType = strings.TrimSpace(mediaType)

	switch {
	case strings.Contains(mediaType, "json"):
		return KindJSON
	case strings.Contains(mediaType, "xml"):
		return KindXML
	case mediaType == "text/csv":
		return KindCSV
	}

	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return KindText
	}

	if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && json.Valid([]byte(trimmed)) {
		return KindJSON
	}
	if strings.HasPrefix(trimmed, "<") {
		return KindXML
	}
	if looksLikeCSV(trimmed) {
		return KindCSV
	}
	if looksLikeKeyValue(trimmed) {
		return KindKeyValue
	}
	return KindText
}

// looksLikeCSV wants a header row plus at least one data row with the same
// comma count.
func looksLikeCSV(s string) bool {
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return false
	}
	header := strings.Count(lines[0], ",")
	if header == 0 {
		return false
	}
	second := strings.TrimRight(lines[1], "\r")
	return second != "" && strings.Count(second, ",") == header
}

func looksLikeKeyValue(s string) bool {
	lines := strings.Split(s, "\n")
	matched := 0
	total := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		total++
		if keyValueLine.MatchString(line) {
			matched++
		}
	}
	return total > 0 && matched == total
}

// parseCSV turns a CSV body into row maps keyed by the header line.
func parseCSV(s string) []map[string]string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) < 2 {
		return nil
	}
	headers := strings.Split(strings.TrimRight(lines[0], "\r"), ",")
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	rows := make([]map[string]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(fields) {
				row[h] = strings.TrimSpace(fields[i])
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func parseKeyValue(s string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sep := strings.IndexAny(line, ":=")
		if sep < 0 {
			continue
		}
		out[strings.TrimSpace(line[:sep])] = strings.TrimSpace(line[sep+1:])
	}
	return out
}

// ShapeSuccess converts a 2xx/3xx upstream response into a tool result,
// applying the configured JSONata expression to JSON bodies.
func ShapeSuccess(cfg *Config, resp *HTTPResponse) *models.ToolResult {
	kind := SniffContent(resp.ContentType, resp.Body)

	switch kind {
	case KindJSON:
		var data any
		if err := json.Unmarshal(resp.Body, &data); err != nil {
			return models.TextResult(string(resp.Body))
		}
		return shapeJSON(cfg, data)
	case KindCSV:
		return models.JSONResult(parseCSV(string(resp.Body)))
	case KindKeyValue:
		return models.JSONResult(parseKeyValue(string(resp.Body)))
	default:
		return models.TextResult(string(resp.Body))
	}
}

func shapeJSON(cfg *Config, data any) *models.ToolResult {
	if cfg.Response.JSONata == "" {
		return models.JSONResult(data)
	}

	shaped, err := evalJSONata(cfg.Response.JSONata, data)
	if err == nil {
		return models.JSONResult(shaped)
	}

	if cfg.Response.Fallback != "" {
		if fallbackShaped, fallbackErr := evalJSONata(cfg.Response.Fallback, data); fallbackErr == nil {
			return models.JSONResult(fallbackShaped)
		}
	}

	// Both expressions failed: return the raw data, flagged.
	return models.JSONResult(map[string]any{
		"_fallback": true,
		"error":     err.Error(),
		"data":      data,
	})
}

func evalJSONata(expression string, data any) (any, error) {
	expr, err := jsonata.Compile(expression)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.CodeJSONataExecutionError, err, "compiling expression")
	}
	out, err := expr.Eval(data)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.CodeJSONataExecutionError, err, "evaluating expression")
	}
	return out, nil
}

// commonErrorFields are probed in order when no errorPath is configured.
var commonErrorFields = []string{"error.message", "error", "message", "msg", "detail", "description"}

func extractErrorMessage(cfg *Config, body []byte) string {
	if !gjson.ValidBytes(body) {
		text := strings.TrimSpace(string(body))
		if len(text) > 200 {
			text = text[:200]
		}
		return text
	}

	if cfg.Response.ErrorPath != "" {
		if value := gjson.GetBytes(body, cfg.Response.ErrorPath); value.Exists() {
			return value.String()
		}
	}
	for _, field := range commonErrorFields {
		if value := gjson.GetBytes(body, field); value.Exists() && value.Type == gjson.String {
			return value.String()
		}
	}
	return ""
}
