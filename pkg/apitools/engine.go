package apitools

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mcphub/internal/logging"
	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

// Options tunes engine behaviour.
type Options struct {
	// StripUnknown silently removes arguments rejected by
	// additionalProperties:false instead of failing validation.
	StripUnknown bool
	// SensitiveKeys extends the redaction list.
	SensitiveKeys []string
	// Env overrides environment lookup, mainly for tests.
	Env EnvFunc
	// AlertRules overrides the audit alerting defaults.
	AlertRules AlertRules
}

// Engine loads api-tools.json and executes the tools it defines.
type Engine struct {
	mu       sync.RWMutex
	version  string
	configs  []*Config
	byName   map[string]*Config
	findings []Finding

	limiter  *Limiter
	audit    *AuditLog
	executor *Executor
	opts     Options
	log      *logging.Component
	tracer   trace.Tracer
}

// NewEngine creates an empty engine; call Load to install a document.
func NewEngine(opts Options) *Engine {
	if opts.Env == nil {
		opts.Env = OSEnv
	}
	return &Engine{
		byName:   make(map[string]*Config),
		limiter:  NewLimiter(),
		audit:    NewAuditLog(opts.AlertRules),
		executor: NewExecutor(opts.Env),
		opts:     opts,
		log:      logging.Named("api-tools"),
		tracer:   otel.Tracer("mcphub"),
	}
}

// Load parses and validates an api-tools.json document, resolves {{env.*}}
// refs in config values, and swaps the active tool set. The findings are
// returned in every case; a document with critical findings is rejected.
func (e *Engine) Load(content []byte) ([]Finding, error) {
	doc, err := ParseDocument(content)
	if err != nil {
		return nil, err
	}

	findings := Validate(doc)
	if HasBlocking(findings) {
		critical := 0
		for _, f := range findings {
			if f.Severity == SeverityCritical {
				critical++
			}
		}
		return findings, mcperr.New(mcperr.CodeConfigError,
			"api tools config rejected: %d critical finding(s)", critical)
	}

	for _, cfg := range doc.Tools {
		e.resolveConfigEnv(cfg)
	}

	byName := make(map[string]*Config, len(doc.Tools))
	for _, cfg := range doc.Tools {
		byName[cfg.Name] = cfg
	}

	e.mu.Lock()
	e.version = doc.Version
	e.configs = doc.Tools
	e.byName = byName
	e.findings = findings
	e.mu.Unlock()

	e.log.Info("loaded %d api tool(s), version %s", len(doc.Tools), doc.Version)
	return findings, nil
}

// resolveConfigEnv substitutes {{env.NAME}} in config values at load time.
// Missing variables keep their placeholder and are logged.
func (e *Engine) resolveConfigEnv(cfg *Config) {
	warn := func(missing []string, where string) {
		for _, name := range missing {
			e.log.Warn("tool %s: env var %s referenced by %s is not set", cfg.ID, name, where)
		}
	}

	var missing []string
	cfg.API.URL, missing = ResolveEnv(cfg.API.URL, e.opts.Env)
	warn(missing, "api.url")

	for k, v := range cfg.API.Headers {
		cfg.API.Headers[k], missing = ResolveEnv(v, e.opts.Env)
		warn(missing, "api.headers."+k)
	}
	for k, v := range cfg.API.QueryParams {
		cfg.API.QueryParams[k], missing = ResolveEnv(v, e.opts.Env)
		warn(missing, "api.queryParams."+k)
	}
	cfg.API.Body = e.resolveBodyEnv(cfg, cfg.API.Body)
}

func (e *Engine) resolveBodyEnv(cfg *Config, body any) any {
	switch v := body.(type) {
	case string:
		resolved, missing := ResolveEnv(v, e.opts.Env)
		for _, name := range missing {
			e.log.Warn("tool %s: env var %s referenced by api.body is not set", cfg.ID, name)
		}
		return resolved
	case map[string]any:
		for k, child := range v {
			v[k] = e.resolveBodyEnv(cfg, child)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = e.resolveBodyEnv(cfg, child)
		}
		return v
	default:
		return body
	}
}

// Tools returns the catalogue entries for every loaded config, sorted by
// name for stable listings.
func (e *Engine) Tools() []models.Tool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tools := make([]models.Tool, 0, len(e.configs))
	for _, cfg := range e.configs {
		tools = append(tools, models.Tool{
			Name:        cfg.Name,
			Description: cfg.Description,
			InputSchema: cfg.Parameters,
			Origin:      models.ToolOrigin{Kind: models.OriginAPI, ID: cfg.ID},
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Names returns the loaded tool names, unsorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.byName))
	for name := range e.byName {
		names = append(names, name)
	}
	return names
}

// HasTool reports whether name is a loaded API tool.
func (e *Engine) HasTool(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.byName[name]
	return ok
}

// Findings returns the validation findings from the last Load.
func (e *Engine) Findings() []Finding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Finding, len(e.findings))
	copy(out, e.findings)
	return out
}

// Version returns the loaded document version.
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Events exposes recent security events.
func (e *Engine) Events(limit int) []Event {
	return e.audit.Events(limit)
}

// CallLog exposes recent redacted call records.
func (e *Engine) CallLog(limit int) []CallRecord {
	return e.audit.Calls(limit)
}

// PruneRateRecords drops rate limit records idle longer than olderThan.
func (e *Engine) PruneRateRecords(olderThan time.Duration) int {
	return e.limiter.Prune(olderThan)
}

// Execute runs one API tool call end to end: validate, render, gate,
// perform, shape. Callers receive either a shaped result or a coded error.
func (e *Engine) Execute(ctx context.Context, toolName string, args map[string]any, clientID string) (*models.ToolResult, error) {
	e.mu.RLock()
	cfg := e.byName[toolName]
	e.mu.RUnlock()
	if cfg == nil {
		return nil, mcperr.New(mcperr.CodeToolNotFound, "api tool %q not found", toolName)
	}

	ctx, span := e.tracer.Start(ctx, "apitools.execute",
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("tool.id", cfg.ID),
		))
	defer span.End()

	start := time.Now()

	validated, err := ValidateParams(cfg.Parameters, args, e.opts.StripUnknown)
	if err != nil {
		e.recordFailure(cfg, clientID, args, start, err)
		span.RecordError(err)
		return nil, err
	}

	req, err := e.executor.BuildRequest(ctx, cfg, validated)
	if err != nil {
		e.recordFailure(cfg, clientID, validated, start, err)
		span.RecordError(err)
		return nil, err
	}

	if cfg.Security != nil && cfg.Security.RateLimit != nil {
		decision := e.limiter.Check(cfg.ID, clientID, *cfg.Security.RateLimit)
		if !decision.Allowed {
			e.audit.Emit(Event{
				Type:     EventRateLimitExceeded,
				Severity: SeverityMedium,
				ToolID:   cfg.ID,
				ClientID: clientID,
				Details: map[string]any{
					"violations":        decision.Violations,
					"retryAfterSeconds": decision.RetryAfter.Seconds(),
				},
			})
			if decision.Suspicious {
				e.audit.Emit(Event{
					Type:     EventSuspiciousActivity,
					Severity: SeverityHigh,
					ToolID:   cfg.ID,
					ClientID: clientID,
					Details:  map[string]any{"violations": decision.Violations},
				})
			}
			err := mcperr.New(mcperr.CodeRateLimitExceeded, "rate limit exceeded for %s", toolName).
				WithDetail("retryAfterSeconds", decision.RetryAfter.Seconds())
			e.recordFailure(cfg, clientID, validated, start, err)
			return nil, err
		}
	}

	resp, err := e.executor.Do(req)
	if err != nil {
		e.recordFailure(cfg, clientID, validated, start, err)
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status", resp.Status))

	if resp.Status >= 400 {
		mapped := statusError(cfg, resp)
		e.recordFailure(cfg, clientID, validated, start, mapped)
		return nil, mapped
	}

	result := ShapeSuccess(cfg, resp)
	e.recordSuccess(cfg, clientID, validated, result, start)
	return result, nil
}

func (e *Engine) sensitiveKeys(cfg *Config) []string {
	keys := e.opts.SensitiveKeys
	if cfg.Security != nil {
		keys = append(append([]string{}, keys...), cfg.Security.SensitiveKeys...)
	}
	return keys
}

func (e *Engine) recordSuccess(cfg *Config, clientID string, params map[string]any, result *models.ToolResult, start time.Time) {
	var response any
	if len(result.Content) > 0 {
		if result.Content[0].Type == models.ContentJSON {
			response = Redact(result.Content[0].Data, e.sensitiveKeys(cfg))
		} else {
			response = result.Content[0].Text
		}
	}
	e.audit.RecordCall(CallRecord{
		ToolID:     cfg.ID,
		ClientID:   clientID,
		Parameters: Redact(anyMap(params), e.sensitiveKeys(cfg)),
		Response:   response,
		Duration:   time.Since(start),
		Success:    true,
	})
}

func (e *Engine) recordFailure(cfg *Config, clientID string, params map[string]any, start time.Time, err error) {
	e.audit.RecordCall(CallRecord{
		ToolID:     cfg.ID,
		ClientID:   clientID,
		Parameters: Redact(anyMap(params), e.sensitiveKeys(cfg)),
		Duration:   time.Since(start),
		Success:    false,
		Error:      err.Error(),
	})
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
