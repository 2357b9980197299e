package apitools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mcphub/pkg/mcperr"
)

const (
	// DefaultTimeout bounds one API tool call.
	DefaultTimeout = 30 * time.Second
	// MaxRedirects is the redirect-following cap per call.
	MaxRedirects = 5
)

// ErrTooManyRedirects aborts a call once MaxRedirects is exceeded.
var ErrTooManyRedirects = errors.New("stopped after 5 redirects")

// HTTPResponse captures the upstream response for shaping.
type HTTPResponse struct {
	Status      int
	Headers     http.Header
	Body        []byte
	ContentType string
	Duration    time.Duration
}

// Executor performs the HTTP half of an API tool call.
type Executor struct {
	client *http.Client
	env    EnvFunc
}

// NewExecutor creates an executor with the default timeout and redirect cap.
func NewExecutor(env EnvFunc) *Executor {
	if env == nil {
		env = OSEnv
	}
	return &Executor{
		client: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= MaxRedirects {
					return ErrTooManyRedirects
				}
				return nil
			},
		},
		env: env,
	}
}

// HostAllowed matches host against whitelist patterns. An empty whitelist
// allows everything. "*.example.com" matches both subdomains and the apex.
func HostAllowed(host string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	host = strings.ToLower(host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}

	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if apex, isWildcard := strings.CutPrefix(pattern, "*."); isWildcard {
			if host == apex || strings.HasSuffix(host, "."+apex) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

// BuildRequest renders the declarative request against validated args. The
// whitelist is applied here, before any network activity.
func (e *Executor) BuildRequest(ctx context.Context, cfg *Config, data map[string]any) (*http.Request, error) {
	var missing []string

	rawURL, m := RenderString(cfg.API.URL, data, e.env)
	missing = append(missing, m...)

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.CodeConfigError, err, "rendered url %q is invalid", rawURL)
	}

	if cfg.Security != nil && !HostAllowed(parsed.Host, cfg.Security.DomainWhitelist) {
		return nil, mcperr.New(mcperr.CodeAccessDenied, "host %q is not in the domain whitelist", parsed.Hostname()).
			WithDetail("host", parsed.Hostname())
	}

	query := parsed.Query()
	for key, tmpl := range cfg.API.QueryParams {
		value, m := RenderString(tmpl, data, e.env)
		missing = append(missing, m...)
		query.Set(key, value)
	}
	parsed.RawQuery = query.Encode()

	body, contentType, m, err := e.renderBody(cfg, data)
	if err != nil {
		return nil, err
	}
	missing = append(missing, m...)

	method := strings.ToUpper(cfg.API.Method)
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.CodeConfigError, err, "building request for %s", cfg.Name)
	}

	for key, tmpl := range cfg.API.Headers {
		value, m := RenderString(tmpl, data, e.env)
		missing = append(missing, m...)
		req.Header.Set(key, value)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	if len(missing) > 0 {
		return nil, mcperr.New(mcperr.CodeUnresolvedTemplateVariable,
			"unresolved template variables: %s", strings.Join(missing, ", ")).
			WithDetail("variables", missing)
	}
	return req, nil
}

func (e *Executor) renderBody(cfg *Config, data map[string]any) ([]byte, string, []string, error) {
	switch body := cfg.API.Body.(type) {
	case nil:
		return nil, "", nil, nil

	case string:
		// Raw template: the content type passes through from headers.
		rendered, missing := RenderString(body, data, e.env)
		return []byte(rendered), "", missing, nil

	default:
		rendered, missing := RenderValue(body, data, e.env)
		encoded, err := json.Marshal(rendered)
		if err != nil {
			return nil, "", nil, mcperr.Wrap(mcperr.CodeConfigError, err, "encoding body for %s", cfg.Name)
		}
		return encoded, "application/json", missing, nil
	}
}

// Do executes the rendered request and captures the response.
func (e *Executor) Do(req *http.Request) (*HTTPResponse, error) {
	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, mcperr.Wrap(mcperr.CodeToolExecutionCancelled, err, "request cancelled")
		}
		if errors.Is(err, ErrTooManyRedirects) {
			return nil, mcperr.Wrap(mcperr.CodeToolExecutionFailed, err, "redirect limit reached")
		}
		return nil, mcperr.Wrap(mcperr.CodeToolExecutionFailed, err, "request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.CodeToolExecutionFailed, err, "reading response")
	}

	return &HTTPResponse{
		Status:      resp.StatusCode,
		Headers:     resp.Header,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Duration:    time.Since(start),
	}, nil
}

// statusError turns an HTTP error response into the mapped hub error,
// extracting a message via errorPath or the common error fields.
func statusError(cfg *Config, resp *HTTPResponse) *mcperr.Error {
	message := extractErrorMessage(cfg, resp.Body)
	if message == "" {
		message = fmt.Sprintf("upstream returned status %d", resp.Status)
	}
	return mcperr.New(mcperr.FromHTTPStatus(resp.Status), "%s", message).
		WithDetail("status", resp.Status)
}
