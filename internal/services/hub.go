package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"mcphub/internal/config"
	"mcphub/internal/logging"
	"mcphub/pkg/apitools"
	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

// shutdownWall caps how long Shutdown waits when the caller's context
// carries no deadline of its own.
const shutdownWall = 10 * time.Second

// Hub is the facade over the whole service layer: server manager, api tool
// engine, groups, tool aggregation, health loop and message trace. The
// front-ends talk to the Hub and to nothing below it.
type Hub struct {
	settings *config.Settings
	store    *config.Store

	manager *ServerManager
	engine  *apitools.Engine
	groups  *GroupManager
	tools   *ToolManager
	health  *HealthChecker
	trace   *MessageTrace

	mu           sync.Mutex
	started      bool
	cancelHealth context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error

	// newClient substitutes the connection client factory in tests.
	newClient clientFactory

	log    *logging.Component
	tracer trace.Tracer
}

// NewHub wires a hub over the given settings and config store. Nothing
// connects until Start.
func NewHub(settings *config.Settings, store *config.Store) *Hub {
	return &Hub{
		settings: settings,
		store:    store,
		engine:   apitools.NewEngine(apitools.Options{}),
		groups:   NewGroupManager(store),
		trace:    NewMessageTrace(),
		log:      logging.Named("hub"),
		tracer:   otel.Tracer("mcphub"),
	}
}

// Start brings the hub up: servers and API tools initialise in parallel,
// then tool names are cross-checked, groups load, and the health loop
// starts. Individual server failures never abort startup; invalid config
// does.
func (h *Hub) Start(ctx context.Context) error {
	ctx, span := h.tracer.Start(ctx, "hub.start")
	defer span.End()

	serverConfigs, err := h.store.LoadServers()
	if err != nil {
		return err
	}

	h.manager = NewServerManager(serverConfigs, ManagerOptions{
		Lazy:      h.settings.EnableLazyLoading,
		newClient: h.newClient,
	})
	h.manager.SetMessageTracker(h.trace.Record)

	var g errgroup.Group
	g.Go(func() error {
		return h.manager.Initialize(ctx)
	})
	g.Go(func() error {
		return h.loadAPITools()
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := h.checkToolCollisions(); err != nil {
		return err
	}

	if err := h.groups.Load(h.manager.IDs()); err != nil {
		return err
	}

	h.tools = NewToolManager(h.manager, h.groups, h.engine, ToolManagerOptions{
		DisableCache: !h.settings.EnableCaching,
	})
	h.manager.AddStatusListener(func(serverID string, from, to models.ConnectionStatus) {
		h.tools.Invalidate()
	})

	h.health = NewHealthChecker(h.manager, h.groups)
	report := h.health.Check()
	span.SetAttributes(attribute.Int("health.score", report.Score))

	if report.StatusCounts[models.StatusConnected] == 0 && !h.settings.EnableLazyLoading {
		h.log.Error("no servers connected: the hub starts with zero MCP tools")
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	go h.health.Run(healthCtx)

	h.mu.Lock()
	h.cancelHealth = cancel
	h.started = true
	h.mu.Unlock()

	h.log.Info("hub ready: health score %d, %d server(s), %d api tool(s), %d group(s)",
		report.Score, len(h.manager.IDs()), len(h.engine.Names()), len(h.groups.Groups()))
	return nil
}

// loadAPITools installs api-tools.json when present. A missing file just
// disables the engine; an invalid document is a startup error.
func (h *Hub) loadAPITools() error {
	raw, exists, err := h.store.LoadAPIToolsRaw()
	if err != nil {
		return err
	}
	if !exists {
		h.log.Info("no api tools config found, api tools disabled")
		return nil
	}
	_, err = h.engine.Load(raw)
	return err
}

// checkToolCollisions rejects API tool names already taken by a server
// tool. Collisions across servers degrade to first-registered-wins, but an
// API name clash is a config mistake the operator has to resolve.
func (h *Hub) checkToolCollisions() error {
	mcpNames := h.manager.CachedToolNames()
	var collisions []string
	for _, name := range h.engine.Names() {
		if serverID, taken := mcpNames[name]; taken {
			collisions = append(collisions, name+" (server "+serverID+")")
		}
	}
	if len(collisions) == 0 {
		return nil
	}
	sort.Strings(collisions)
	return mcperr.New(mcperr.CodeConfigError,
		"api tool name(s) collide with MCP server tools: %s", strings.Join(collisions, ", ")).
		WithDetail("collisions", collisions)
}

// ReloadAPITools re-reads api-tools.json, cross-checks names and swaps the
// active set. On any failure the previous set stays live.
func (h *Hub) ReloadAPITools() ([]apitools.Finding, error) {
	raw, exists, err := h.store.LoadAPIToolsRaw()
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, mcperr.New(mcperr.CodeConfigError, "api tools config not found under %s", h.store.Root())
	}

	// Collision check runs against the parsed document before the swap, so
	// a rejected reload leaves the running engine untouched.
	doc, err := apitools.ParseDocument(raw)
	if err != nil {
		return nil, err
	}
	mcpNames := h.manager.CachedToolNames()
	for _, cfg := range doc.Tools {
		if serverID, taken := mcpNames[cfg.Name]; taken {
			return nil, mcperr.New(mcperr.CodeConfigError,
				"api tool %q collides with a tool on server %s", cfg.Name, serverID)
		}
	}

	findings, err := h.engine.Load(raw)
	if err != nil {
		return findings, err
	}
	h.tools.Invalidate()
	h.log.Info("api tools reloaded")
	return findings, nil
}

// ReloadGroups re-reads group.json and invalidates the catalogue cache.
func (h *Hub) ReloadGroups() error {
	if err := h.groups.Reload(h.manager.IDs()); err != nil {
		return err
	}
	h.tools.Invalidate()
	h.log.Info("groups reloaded")
	return nil
}

// CreateGroup adds a group at runtime and persists it.
func (h *Hub) CreateGroup(cfg models.GroupConfig) error {
	if err := h.groups.CreateGroup(cfg); err != nil {
		return err
	}
	h.tools.Invalidate()
	return nil
}

// UpdateGroup replaces a group's server and tool lists.
func (h *Hub) UpdateGroup(cfg models.GroupConfig) error {
	if err := h.groups.UpdateGroup(cfg); err != nil {
		return err
	}
	h.tools.Invalidate()
	return nil
}

// DeleteGroup removes a group; its scoped endpoints stop resolving.
func (h *Hub) DeleteGroup(groupID string) error {
	if err := h.groups.DeleteGroup(groupID); err != nil {
		return err
	}
	h.tools.Invalidate()
	return nil
}

// Reload refreshes the reloadable config files, for SIGHUP. Servers are
// deliberately not reloaded; connection changes go through the manager.
func (h *Hub) Reload() error {
	var errs []error
	if _, exists, _ := h.store.LoadAPIToolsRaw(); exists {
		if _, err := h.ReloadAPITools(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.ReloadGroups(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetTools lists the tools a group exposes.
func (h *Hub) GetTools(ctx context.Context, groupID string) ([]models.Tool, error) {
	return h.tools.ToolsForGroup(ctx, groupID)
}

// CallTool executes one tool within a group's scope.
func (h *Hub) CallTool(ctx context.Context, groupID, toolName string, args map[string]any, clientID string) (*models.ToolResult, error) {
	return h.tools.ExecuteTool(ctx, groupID, toolName, args, clientID)
}

// VerifyGroupKey gates group access when the group enables validation.
func (h *Hub) VerifyGroupKey(groupID, key string) error {
	return h.groups.VerifyAccessKey(groupID, key)
}

// HealthReport returns the latest periodic report.
func (h *Hub) HealthReport() models.HealthReport {
	return h.health.Latest()
}

// TraceEntries returns recent MCP messages, newest first.
func (h *Hub) TraceEntries(limit int) []models.TraceEntry {
	return h.trace.Recent(limit)
}

// Manager exposes the server manager to the front-ends.
func (h *Hub) Manager() *ServerManager { return h.manager }

// Groups exposes the group manager.
func (h *Hub) Groups() *GroupManager { return h.groups }

// Tools exposes the aggregation layer.
func (h *Hub) Tools() *ToolManager { return h.tools }

// Engine exposes the API tool engine.
func (h *Hub) Engine() *apitools.Engine { return h.engine }

// Health exposes the health checker.
func (h *Hub) Health() *HealthChecker { return h.health }

// Shutdown stops the health loop and drains every connection. Idempotent;
// a context without a deadline gets the default wall applied.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.mu.Lock()
		cancel := h.cancelHealth
		started := h.started
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if !started {
			return
		}

		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var done context.CancelFunc
			ctx, done = context.WithTimeout(ctx, shutdownWall)
			defer done()
		}
		h.shutdownErr = h.manager.Shutdown(ctx)
		h.log.Info("hub shut down")
	})
	return h.shutdownErr
}
