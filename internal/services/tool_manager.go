package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mcphub/internal/logging"
	"mcphub/pkg/apitools"
	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

const (
	defaultCatalogueTTL  = 60 * time.Second
	defaultCatalogueSize = 64
)

// ToolManagerOptions tunes the catalogue cache.
type ToolManagerOptions struct {
	CacheTTL     time.Duration
	CacheSize    int
	DisableCache bool
}

// CacheStats reports catalogue cache effectiveness.
type CacheStats struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Entries    int    `json:"entries"`
	Generation uint64 `json:"generation"`
}

type catalogueEntry struct {
	gen   uint64
	tools []models.Tool
}

// ToolManager presents the hub's merged tool surface: MCP tools gathered
// from connected servers plus API-synthesised tools, per group. It holds
// derived data only; connections stay with the server manager.
type ToolManager struct {
	manager *ServerManager
	groups  *GroupManager
	engine  *apitools.Engine

	cache    *expirable.LRU[string, catalogueEntry]
	disabled bool
	gen      atomic.Uint64
	hits     atomic.Uint64
	misses   atomic.Uint64

	listenerMu sync.Mutex
	listeners  []func()

	log    *logging.Component
	tracer trace.Tracer
}

// NewToolManager wires the aggregation layer over its three sources.
func NewToolManager(manager *ServerManager, groups *GroupManager, engine *apitools.Engine, opts ToolManagerOptions) *ToolManager {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCatalogueTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCatalogueSize
	}
	return &ToolManager{
		manager:  manager,
		groups:   groups,
		engine:   engine,
		cache:    expirable.NewLRU[string, catalogueEntry](opts.CacheSize, nil, opts.CacheTTL),
		disabled: opts.DisableCache,
		log:      logging.Named("tools"),
		tracer:   otel.Tracer("mcphub"),
	}
}

// ToolsForGroup returns the deduplicated tool list visible to a group:
// tools from the group's reachable servers, then API tools, filtered by the
// group's allow-list. Per-server failures are skipped, never fatal.
func (t *ToolManager) ToolsForGroup(ctx context.Context, groupID string) ([]models.Tool, error) {
	if !t.disabled {
		if entry, ok := t.cache.Get(groupID); ok && entry.gen == t.gen.Load() {
			t.hits.Add(1)
			return entry.tools, nil
		}
		t.misses.Add(1)
	}

	gen := t.gen.Load()
	tools, err := t.assemble(ctx, groupID)
	if err != nil {
		return nil, err
	}

	if !t.disabled {
		t.cache.Add(groupID, catalogueEntry{gen: gen, tools: tools})
	}
	return tools, nil
}

func (t *ToolManager) assemble(ctx context.Context, groupID string) ([]models.Tool, error) {
	ctx, span := t.tracer.Start(ctx, "tools.assemble")
	span.SetAttributes(attribute.String("group.id", groupID))
	defer span.End()

	serverIDs, err := t.groups.ServerIDs(groupID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]string)
	tools := make([]models.Tool, 0, 16)

	// API tools first: they were collision-checked at load, so a server
	// tool reusing one of their names is the late arrival.
	for _, tool := range t.engine.Tools() {
		if !t.groups.AllowsTool(groupID, tool.Name) {
			continue
		}
		seen[tool.Name] = tool.Origin.ID
		tools = append(tools, tool)
	}

	for _, serverID := range serverIDs {
		serverTools, err := t.manager.GetServerTools(ctx, serverID)
		if err != nil {
			t.log.Debug("skipping server %s while assembling group %s: %v", serverID, groupID, err)
			continue
		}
		for _, tool := range serverTools {
			if !t.groups.AllowsTool(groupID, tool.Name) {
				continue
			}
			if owner, dup := seen[tool.Name]; dup {
				t.log.Warn("tool %q from server %s hidden: already registered by %s", tool.Name, serverID, owner)
				continue
			}
			seen[tool.Name] = serverID
			tools = append(tools, tool)
		}
	}

	if cfg, err := t.groups.Group(groupID); err == nil {
		for _, name := range cfg.Tools {
			if _, ok := seen[name]; !ok {
				t.log.Warn("group %s allows tool %q which no referenced source exports", groupID, name)
			}
		}
	}

	span.SetAttributes(attribute.Int("tool.count", len(tools)))
	return tools, nil
}

// ExecuteTool resolves a tool by name within a group and dispatches to its
// origin. The result is always MCP-shaped; failures come back as typed
// errors with the cause preserved.
func (t *ToolManager) ExecuteTool(ctx context.Context, groupID, toolName string, args map[string]any, clientID string) (*models.ToolResult, error) {
	ctx, span := t.tracer.Start(ctx, "tools.execute")
	span.SetAttributes(
		attribute.String("group.id", groupID),
		attribute.String("tool.name", toolName),
	)
	defer span.End()

	tools, err := t.ToolsForGroup(ctx, groupID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, tool := range tools {
		if tool.Name != toolName {
			continue
		}
		switch tool.Origin.Kind {
		case models.OriginAPI:
			return t.engine.Execute(ctx, toolName, args, clientID)
		default:
			return t.manager.CallTool(ctx, tool.Origin.ID, toolName, args)
		}
	}

	serverIDs, _ := t.groups.ServerIDs(groupID)
	if len(serverIDs) > 0 && t.connectedCount(serverIDs) == 0 {
		err := mcperr.New(mcperr.CodeNoServersAvailable, "no connected servers in group %q", groupID)
		span.RecordError(err)
		return nil, err
	}
	err = mcperr.New(mcperr.CodeToolNotFound, "tool %q not found in group %q", toolName, groupID)
	span.RecordError(err)
	return nil, err
}

func (t *ToolManager) connectedCount(serverIDs []string) int {
	n := 0
	for _, id := range serverIDs {
		snap, err := t.manager.GetServerSnapshot(id)
		if err == nil && snap.Status == models.StatusConnected {
			n++
		}
	}
	return n
}

// Invalidate drops every cached catalogue. Wired to server status
// transitions, API config reloads and group edits.
func (t *ToolManager) Invalidate() {
	t.gen.Add(1)
	t.cache.Purge()

	t.listenerMu.Lock()
	listeners := make([]func(), len(t.listeners))
	copy(listeners, t.listeners)
	t.listenerMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// AddInvalidationListener registers a callback fired on every Invalidate.
// Callbacks run on the invalidating goroutine and must not block; anything
// expensive belongs behind a channel.
func (t *ToolManager) AddInvalidationListener(fn func()) {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Stats returns cache hit/miss counters.
func (t *ToolManager) Stats() CacheStats {
	return CacheStats{
		Hits:       t.hits.Load(),
		Misses:     t.misses.Load(),
		Entries:    t.cache.Len(),
		Generation: t.gen.Load(),
	}
}
