package services

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mcphub/internal/logging"
	"mcphub/internal/transport"
	"mcphub/internal/version"
	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

const (
	// connectTimeout bounds one connect handshake (start + initialize +
	// tools/list).
	connectTimeout = 30 * time.Second
	// closeTimeout caps how long one connection may block shutdown.
	closeTimeout = 2 * time.Second
)

// MessageTracker observes JSON-RPC traffic on a connection. The hub installs
// one to feed the message trace.
type MessageTracker func(serverID string, direction models.TraceDirection, method string, payload any)

// StatusListener is notified after a connection changes status.
type StatusListener func(serverID string, from, to models.ConnectionStatus)

// rpcClient is the slice of the mcp-go client a connection uses. Tests
// substitute fakes.
type rpcClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// clientFactory builds the transport and client pair for a server config.
type clientFactory func(cfg models.ServerConfig) (rpcClient, error)

func defaultClientFactory(cfg models.ServerConfig) (rpcClient, error) {
	layer, err := transport.New(cfg)
	if err != nil {
		return nil, err
	}
	return client.NewClient(layer), nil
}

// ReconnectPolicy shapes the backoff schedule after a connection drops.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	CapDelay    time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy returns the standard schedule: 1s doubling up to
// 30s, five attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   time.Second,
		CapDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before retry number attempt (zero-based), with up
// to 25% jitter added so a fleet of dropped servers does not thunder back
// in step.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.CapDelay {
			delay = p.CapDelay
			break
		}
	}
	if delay > p.CapDelay {
		delay = p.CapDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// ServerConnection is one logical connection to a downstream MCP server:
// transport handle, status, cached tool list and reconnect bookkeeping.
// All mutation goes through the owning ServerManager.
type ServerConnection struct {
	id     string
	cfg    models.ServerConfig
	policy ReconnectPolicy

	newClient clientFactory
	log       *logging.Component
	tracer    trace.Tracer

	// connectMu serializes connect attempts so concurrent callers of
	// EnsureConnected dial at most once.
	connectMu sync.Mutex

	mu            sync.RWMutex
	status        models.ConnectionStatus
	client        rpcClient
	tools         []models.Tool
	lastConnected time.Time
	lastError     string
	attempts      int
	tracker       MessageTracker
	onStatus      StatusListener
	retrying      bool
	stopped       bool
}

func newServerConnection(id string, cfg models.ServerConfig, factory clientFactory, policy ReconnectPolicy) *ServerConnection {
	if factory == nil {
		factory = defaultClientFactory
	}
	if policy.MaxAttempts == 0 {
		policy = DefaultReconnectPolicy()
	}
	return &ServerConnection{
		id:        id,
		cfg:       cfg,
		policy:    policy,
		newClient: factory,
		status:    models.StatusDisconnected,
		log:       logging.Named("mcp-conn"),
		tracer:    otel.Tracer("mcphub"),
	}
}

// ID returns the server identifier.
func (c *ServerConnection) ID() string { return c.id }

// Config returns the server config the connection was built from.
func (c *ServerConnection) Config() models.ServerConfig { return c.cfg }

// Status returns the current connection status.
func (c *ServerConnection) Status() models.ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Snapshot returns a point-in-time view for listings and health reports.
func (c *ServerConnection) Snapshot() models.ServerSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := models.ServerSnapshot{
		ID:                c.id,
		Status:            c.status,
		ToolCount:         len(c.tools),
		LastError:         c.lastError,
		ReconnectAttempts: c.attempts,
	}
	if !c.lastConnected.IsZero() {
		t := c.lastConnected
		snap.LastConnected = &t
	}
	return snap
}

// Tools returns the cached tool list.
func (c *ServerConnection) Tools() []models.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

func (c *ServerConnection) setTracker(t MessageTracker) {
	c.mu.Lock()
	c.tracker = t
	c.mu.Unlock()
}

func (c *ServerConnection) setStatusListener(fn StatusListener) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

func (c *ServerConnection) track(direction models.TraceDirection, method string, payload any) {
	c.mu.RLock()
	tracker := c.tracker
	c.mu.RUnlock()
	if tracker != nil {
		tracker(c.id, direction, method, payload)
	}
}

// setStatus transitions the status and notifies the listener outside the
// lock.
func (c *ServerConnection) setStatus(to models.ConnectionStatus) {
	c.mu.Lock()
	from := c.status
	c.status = to
	listener := c.onStatus
	c.mu.Unlock()

	if from != to && listener != nil {
		listener(c.id, from, to)
	}
}

// Connect performs one connect attempt: dial, MCP initialize handshake,
// then tools/list to seed the tool cache. Failures land the connection in
// ERROR with the cause recorded; retries are the caller's decision.
func (c *ServerConnection) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.connectLocked(ctx)
}

func (c *ServerConnection) connectLocked(ctx context.Context) error {
	if c.Status() == models.StatusConnected {
		return nil
	}
	c.mu.RLock()
	stopped := c.stopped
	c.mu.RUnlock()
	if stopped {
		return mcperr.New(mcperr.CodeServerNotInitialized, "server %s is stopped", c.id)
	}

	ctx, span := c.tracer.Start(ctx, "mcp.connect",
		trace.WithAttributes(attribute.String("server.id", c.id)))
	defer span.End()

	c.setStatus(models.StatusConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	rpc, err := c.newClient(c.cfg)
	if err != nil {
		return c.failConnect(span, err)
	}
	if err := rpc.Start(dialCtx); err != nil {
		return c.failConnect(span, transport.WrapStartError(c.cfg.ResolvedType(), err))
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "mcphub",
		Version: version.GetVersion(),
	}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	c.track(models.TraceOutbound, "initialize", map[string]any{"protocolVersion": mcp.LATEST_PROTOCOL_VERSION})
	initRes, err := rpc.Initialize(dialCtx, initReq)
	if err != nil {
		_ = rpc.Close()
		return c.failConnect(span, transport.Classify(err))
	}
	c.track(models.TraceInbound, "initialize", map[string]any{
		"serverInfo":      initRes.ServerInfo,
		"protocolVersion": initRes.ProtocolVersion,
	})

	tools, err := c.listTools(dialCtx, rpc)
	if err != nil {
		_ = rpc.Close()
		return c.failConnect(span, err)
	}

	c.mu.Lock()
	c.client = rpc
	c.tools = tools
	c.lastConnected = time.Now()
	c.lastError = ""
	c.attempts = 0
	c.mu.Unlock()
	c.setStatus(models.StatusConnected)

	c.log.Info("connected to %s (%d tools)", c.id, len(tools))
	return nil
}

func (c *ServerConnection) failConnect(span trace.Span, err error) error {
	c.mu.Lock()
	c.attempts++
	c.lastError = err.Error()
	c.mu.Unlock()
	c.setStatus(models.StatusError)

	span.RecordError(err)
	c.log.Warn("connect to %s failed: %v", c.id, err)
	return mcperr.FromError(err)
}

func (c *ServerConnection) listTools(ctx context.Context, rpc rpcClient) ([]models.Tool, error) {
	c.track(models.TraceOutbound, "tools/list", nil)
	res, err := rpc.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, transport.Classify(err)
	}

	tools := make([]models.Tool, 0, len(res.Tools))
	names := make([]string, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, toolFromMCP(c.id, t))
		names = append(names, t.Name)
	}
	c.track(models.TraceInbound, "tools/list", map[string]any{"tools": names})
	return tools, nil
}

// EnsureConnected connects on demand. With lazy loading the first caller
// pays the dial; concurrent callers serialize on connectMu and see the
// cached client. A connection in ERROR fails fast: recovery belongs to the
// retry schedule or an explicit reconnect.
func (c *ServerConnection) EnsureConnected(ctx context.Context) error {
	c.mu.RLock()
	status := c.status
	lastError := c.lastError
	c.mu.RUnlock()

	switch status {
	case models.StatusConnected:
		return nil
	case models.StatusError:
		return mcperr.New(mcperr.CodeServerNotInitialized, "server %s is unavailable: %s", c.id, lastError)
	default:
		return c.Connect(ctx)
	}
}

// RefreshTools re-runs tools/list and replaces the cache.
func (c *ServerConnection) RefreshTools(ctx context.Context) ([]models.Tool, error) {
	c.mu.RLock()
	rpc := c.client
	status := c.status
	c.mu.RUnlock()

	if status != models.StatusConnected || rpc == nil {
		return nil, mcperr.New(mcperr.CodeServerNotInitialized, "server %s is not connected", c.id)
	}

	tools, err := c.listTools(ctx, rpc)
	if err != nil {
		switch mcperr.TransportKindOf(err) {
		case mcperr.TransportNetwork, mcperr.TransportFraming:
			c.markDropped(err)
		}
		return nil, mcperr.FromError(err)
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

// CallTool forwards a tools/call to the downstream server and converts the
// result. A transport-level failure marks the connection dropped so the
// reconnect schedule can take over.
func (c *ServerConnection) CallTool(ctx context.Context, toolName string, args map[string]any) (*models.ToolResult, error) {
	c.mu.RLock()
	rpc := c.client
	status := c.status
	c.mu.RUnlock()

	if status != models.StatusConnected || rpc == nil {
		return nil, mcperr.New(mcperr.CodeServerNotInitialized, "server %s is not connected", c.id)
	}

	ctx, span := c.tracer.Start(ctx, "mcp.call_tool",
		trace.WithAttributes(
			attribute.String("server.id", c.id),
			attribute.String("tool.name", toolName),
		))
	defer span.End()

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	c.track(models.TraceOutbound, "tools/call", map[string]any{"name": toolName, "arguments": args})
	res, err := rpc.CallTool(ctx, req)
	if err != nil {
		span.RecordError(err)
		classified := transport.Classify(err)
		// Network and framing faults mean the connection is gone; protocol
		// errors are the server answering and leave it up.
		switch mcperr.TransportKindOf(classified) {
		case mcperr.TransportNetwork, mcperr.TransportFraming:
			c.markDropped(classified)
		}
		return nil, mcperr.Wrap(mcperr.CodeToolExecutionFailed, classified, "calling %s on %s", toolName, c.id)
	}

	result := resultFromMCP(res)
	c.track(models.TraceInbound, "tools/call", map[string]any{"name": toolName, "isError": result.IsError})
	return result, nil
}

// markDropped transitions CONNECTED to ERROR after a transport fault and
// closes the dead client.
func (c *ServerConnection) markDropped(cause error) {
	c.mu.Lock()
	if c.status != models.StatusConnected {
		c.mu.Unlock()
		return
	}
	rpc := c.client
	c.client = nil
	c.lastError = cause.Error()
	c.mu.Unlock()

	if rpc != nil {
		_ = rpc.Close()
	}
	c.setStatus(models.StatusError)
	c.log.Warn("connection to %s dropped: %v", c.id, cause)
}

// retryLoop walks the backoff schedule until the connection recovers, the
// attempts are exhausted, or ctx is cancelled. At most one loop runs per
// connection.
func (c *ServerConnection) retryLoop(ctx context.Context) {
	c.mu.Lock()
	if c.retrying || c.stopped {
		c.mu.Unlock()
		return
	}
	c.retrying = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.retrying = false
			c.mu.Unlock()
		}()

		for {
			c.mu.RLock()
			attempt := c.attempts
			stopped := c.stopped
			c.mu.RUnlock()

			if stopped || attempt >= c.policy.MaxAttempts {
				if !stopped {
					c.log.Warn("giving up on %s after %d attempts; awaiting operator action", c.id, attempt)
				}
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(c.policy.Delay(attempt)):
			}

			if err := c.Connect(ctx); err == nil {
				return
			}
		}
	}()
}

// Close tears the connection down, waiting at most closeTimeout for the
// underlying client. Safe to call repeatedly.
func (c *ServerConnection) Close() {
	c.mu.Lock()
	c.stopped = true
	rpc := c.client
	c.client = nil
	c.mu.Unlock()

	if rpc != nil {
		done := make(chan struct{})
		go func() {
			_ = rpc.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeTimeout):
			c.log.Warn("close of %s timed out; abandoning transport", c.id)
		}
	}
	c.setStatus(models.StatusDisconnected)
}

// reopen clears the stopped flag so StartServer and ReconnectServer can dial
// again after a Close.
func (c *ServerConnection) reopen() {
	c.mu.Lock()
	c.stopped = false
	c.attempts = 0
	c.mu.Unlock()
}

// toolFromMCP converts an mcp-go tool into the hub's catalogue type.
func toolFromMCP(serverID string, t mcp.Tool) models.Tool {
	var schema map[string]any
	if raw, err := json.Marshal(t.InputSchema); err == nil {
		_ = json.Unmarshal(raw, &schema)
	}
	return models.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
		Origin:      models.ToolOrigin{Kind: models.OriginServer, ID: serverID},
	}
}

// resultFromMCP converts a call result. Text content passes through; other
// content kinds are preserved as JSON.
func resultFromMCP(res *mcp.CallToolResult) *models.ToolResult {
	out := &models.ToolResult{IsError: res.IsError}
	for _, content := range res.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			out.Content = append(out.Content, models.Content{Type: models.ContentText, Text: textContent.Text})
			continue
		}
		raw, err := json.Marshal(content)
		if err != nil {
			continue
		}
		var data any
		if err := json.Unmarshal(raw, &data); err != nil {
			continue
		}
		out.Content = append(out.Content, models.Content{Type: models.ContentJSON, Data: data})
	}
	return out
}
