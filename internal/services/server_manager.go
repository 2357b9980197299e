package services

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"mcphub/internal/logging"
	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

// initConcurrency bounds how many servers dial at once during Initialize.
const initConcurrency = 8

// ManagerOptions tunes the server manager.
type ManagerOptions struct {
	// Lazy defers dialing until a server is first used.
	Lazy bool
	// Policy overrides the reconnect schedule.
	Policy ReconnectPolicy

	// newClient substitutes the client factory in tests.
	newClient clientFactory
}

// ServerManager supervises one ServerConnection per enabled server config.
// It is the only component allowed to mutate connections.
type ServerManager struct {
	mu        sync.RWMutex
	conns     map[string]*ServerConnection
	ids       []string
	tracker   MessageTracker
	listeners []StatusListener

	lazy        bool
	ctx         context.Context
	cancel      context.CancelFunc
	once        sync.Once
	shutdownErr error

	log    *logging.Component
	tracer trace.Tracer
}

// NewServerManager builds connections for every enabled config. Disabled
// servers are skipped entirely.
func NewServerManager(configs map[string]models.ServerConfig, opts ManagerOptions) *ServerManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ServerManager{
		conns:  make(map[string]*ServerConnection, len(configs)),
		lazy:   opts.Lazy,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.Named("mcp-manager"),
		tracer: otel.Tracer("mcphub"),
	}

	for id, cfg := range configs {
		if !cfg.IsEnabled() {
			m.log.Info("server %s is disabled, skipping", id)
			continue
		}
		conn := newServerConnection(id, cfg, opts.newClient, opts.Policy)
		conn.setStatusListener(m.statusChanged)
		m.conns[id] = conn
		m.ids = append(m.ids, id)
	}
	sort.Strings(m.ids)

	return m
}

// statusChanged supervises transitions: a dropped connection gets its
// reconnect schedule armed, then registered listeners are notified.
func (m *ServerManager) statusChanged(serverID string, from, to models.ConnectionStatus) {
	if from == models.StatusConnected && to == models.StatusError {
		m.mu.RLock()
		conn := m.conns[serverID]
		m.mu.RUnlock()
		if conn != nil {
			conn.retryLoop(m.ctx)
		}
	}

	m.mu.RLock()
	listeners := make([]StatusListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(serverID, from, to)
	}
}

// Initialize dials every connection concurrently. Individual failures are
// recorded on the connection and arm its retry schedule; they never abort
// startup. With lazy loading enabled nothing is dialed here.
func (m *ServerManager) Initialize(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "manager.initialize",
		trace.WithAttributes(attribute.Int("server.count", len(m.conns))))
	defer span.End()

	if m.lazy {
		m.log.Info("lazy loading enabled: deferring %d server connection(s)", len(m.conns))
		return nil
	}

	conns := m.snapshotConns()

	var g errgroup.Group
	g.SetLimit(initConcurrency)
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			if err := conn.Connect(ctx); err != nil {
				conn.retryLoop(m.ctx)
			}
			return nil
		})
	}
	_ = g.Wait()

	connected := m.StatusCounts()[models.StatusConnected]
	m.log.Info("server manager initialized: %d/%d connected", connected, len(conns))
	return nil
}

func (m *ServerManager) snapshotConns() []*ServerConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ServerConnection, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, m.conns[id])
	}
	return out
}

// Connection returns the connection for serverID.
func (m *ServerManager) Connection(serverID string) (*ServerConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[serverID]
	if !ok {
		return nil, mcperr.New(mcperr.CodeServerNotFound, "server %q not found", serverID)
	}
	return conn, nil
}

// IDs returns the managed server ids, sorted.
func (m *ServerManager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.ids))
	copy(out, m.ids)
	return out
}

// GetAllServers returns a snapshot per managed server, sorted by id.
func (m *ServerManager) GetAllServers() []models.ServerSnapshot {
	conns := m.snapshotConns()
	out := make([]models.ServerSnapshot, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.Snapshot())
	}
	return out
}

// GetServerSnapshot returns the snapshot for one server.
func (m *ServerManager) GetServerSnapshot(serverID string) (models.ServerSnapshot, error) {
	conn, err := m.Connection(serverID)
	if err != nil {
		return models.ServerSnapshot{}, err
	}
	return conn.Snapshot(), nil
}

// StatusCounts tallies connections by status.
func (m *ServerManager) StatusCounts() map[models.ConnectionStatus]int {
	counts := make(map[models.ConnectionStatus]int)
	for _, conn := range m.snapshotConns() {
		counts[conn.Status()]++
	}
	return counts
}

// CachedToolNames maps every cached tool name to its server id, without
// dialing anything. Used to cross-check API tool names after startup.
func (m *ServerManager) CachedToolNames() map[string]string {
	names := make(map[string]string)
	for _, conn := range m.snapshotConns() {
		for _, tool := range conn.Tools() {
			if _, taken := names[tool.Name]; !taken {
				names[tool.Name] = conn.ID()
			}
		}
	}
	return names
}

// GetServerTools returns the cached tool list for a server, connecting on
// demand under lazy loading and refetching when the cache is empty.
func (m *ServerManager) GetServerTools(ctx context.Context, serverID string) ([]models.Tool, error) {
	conn, err := m.Connection(serverID)
	if err != nil {
		return nil, err
	}
	if err := conn.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	if tools := conn.Tools(); len(tools) > 0 {
		return tools, nil
	}
	return conn.RefreshTools(ctx)
}

// CallTool routes a tools/call to the owning server.
func (m *ServerManager) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*models.ToolResult, error) {
	conn, err := m.Connection(serverID)
	if err != nil {
		return nil, err
	}
	if err := conn.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	return conn.CallTool(ctx, toolName, args)
}

// ReconnectServer tears down and redials one connection, leaving every other
// server untouched. A failed immediate attempt arms the retry schedule and
// is returned to the caller.
func (m *ServerManager) ReconnectServer(ctx context.Context, serverID string) error {
	conn, err := m.Connection(serverID)
	if err != nil {
		return err
	}

	m.log.Info("reconnecting server %s", serverID)
	conn.Close()
	conn.reopen()
	if err := conn.Connect(ctx); err != nil {
		conn.retryLoop(m.ctx)
		return err
	}
	return nil
}

// StartServer dials a stopped or never-started connection.
func (m *ServerManager) StartServer(ctx context.Context, serverID string) error {
	conn, err := m.Connection(serverID)
	if err != nil {
		return err
	}
	if conn.Status() == models.StatusConnected {
		return mcperr.New(mcperr.CodeServerAlreadyConnected, "server %q is already connected", serverID)
	}
	conn.reopen()
	return conn.Connect(ctx)
}

// StopServer closes one connection and parks it until StartServer or
// ReconnectServer. No reconnect schedule runs for stopped servers.
func (m *ServerManager) StopServer(serverID string) error {
	conn, err := m.Connection(serverID)
	if err != nil {
		return err
	}
	m.log.Info("stopping server %s", serverID)
	conn.Close()
	return nil
}

// SetMessageTracker installs the tracker on every connection.
func (m *ServerManager) SetMessageTracker(tracker MessageTracker) {
	m.mu.Lock()
	m.tracker = tracker
	conns := make([]*ServerConnection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		conn.setTracker(tracker)
	}
}

// AddStatusListener registers a callback for connection status transitions.
func (m *ServerManager) AddStatusListener(fn StatusListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Shutdown stops retry loops and closes every connection in parallel. Each
// close is individually capped; ctx bounds the whole drain. Safe to call
// more than once; later calls return the first call's outcome.
func (m *ServerManager) Shutdown(ctx context.Context) error {
	m.once.Do(func() {
		m.cancel()

		conns := m.snapshotConns()
		done := make(chan struct{})
		go func() {
			var wg sync.WaitGroup
			for _, conn := range conns {
				wg.Add(1)
				go func(c *ServerConnection) {
					defer wg.Done()
					c.Close()
				}(conn)
			}
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			m.log.Info("all server connections closed")
		case <-ctx.Done():
			m.log.Warn("shutdown deadline reached with connections still closing")
			m.shutdownErr = mcperr.New(mcperr.CodeServerError, "shutdown deadline reached with connections still closing")
		}
	})
	return m.shutdownErr
}
