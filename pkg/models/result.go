package models

// ContentType tags one element of a tool result.
type ContentType string

const (
	ContentText ContentType = "text"
	ContentJSON ContentType = "json"
)

// Content is a single piece of tool output.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
	Data any         `json:"data,omitempty"`
}

// ToolResult is the normalised outcome of a tool call, downstream MCP and
// API-synthesised alike.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// TextResult wraps plain text in a successful result.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []Content{{Type: ContentText, Text: text}}}
}

// JSONResult wraps structured data in a successful result.
func JSONResult(data any) *ToolResult {
	return &ToolResult{Content: []Content{{Type: ContentJSON, Data: data}}}
}

// ErrorResult wraps an error message in a failed result.
func ErrorResult(text string) *ToolResult {
	return &ToolResult{Content: []Content{{Type: ContentText, Text: text}}, IsError: true}
}

// FirstText returns the first text content, or "".
func (r *ToolResult) FirstText() string {
	for _, c := range r.Content {
		if c.Type == ContentText {
			return c.Text
		}
	}
	return ""
}
