package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/config"
	"mcphub/pkg/apitools"
	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

type toolFixture struct {
	manager *ServerManager
	groups  *GroupManager
	engine  *apitools.Engine
	tools   *ToolManager
}

func newToolFixture(t *testing.T, fakes map[string]*fakeRPC, groupCfgs map[string]models.GroupConfig, opts ToolManagerOptions) *toolFixture {
	t.Helper()

	m := testManager(t, fakes, ManagerOptions{
		Policy: ReconnectPolicy{BaseDelay: time.Second, CapDelay: 2 * time.Second, MaxAttempts: 2},
	})
	require.NoError(t, m.Initialize(context.Background()))

	store := config.NewStore(afero.NewMemMapFs(), "/cfg")
	if groupCfgs != nil {
		require.NoError(t, store.SaveGroups(groupCfgs))
	}
	groups := NewGroupManager(store)
	require.NoError(t, groups.Load(m.IDs()))

	engine := apitools.NewEngine(apitools.Options{})
	return &toolFixture{
		manager: m,
		groups:  groups,
		engine:  engine,
		tools:   NewToolManager(m, groups, engine, opts),
	}
}

func loadStatusTool(t *testing.T, engine *apitools.Engine, baseURL string) {
	t.Helper()
	doc := fmt.Sprintf(`{
		"version": "1.0",
		"tools": [{
			"id": "status-probe",
			"name": "api_status",
			"description": "Upstream status probe",
			"api": {"url": %q, "method": "GET"}
		}]
	}`, baseURL+"/status")
	_, err := engine.Load([]byte(doc))
	require.NoError(t, err)
}

func toolNames(tools []models.Tool) []string {
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	return names
}

func TestToolManagerAggregatesServers(t *testing.T) {
	f := newToolFixture(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "alpha_echo"}, {Name: "alpha_add"}}},
		"beta":  {tools: []mcp.Tool{{Name: "beta_echo"}}},
	}, nil, ToolManagerOptions{})

	tools, err := f.tools.ToolsForGroup(context.Background(), DefaultGroupID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha_echo", "alpha_add", "beta_echo"}, toolNames(tools))
}

func TestToolManagerFirstRegisteredWins(t *testing.T) {
	f := newToolFixture(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "shared"}}},
		"beta":  {tools: []mcp.Tool{{Name: "shared"}, {Name: "beta_only"}}},
	}, nil, ToolManagerOptions{})

	tools, err := f.tools.ToolsForGroup(context.Background(), DefaultGroupID)
	require.NoError(t, err)
	require.Equal(t, []string{"shared", "beta_only"}, toolNames(tools))
	assert.Equal(t, "alpha", tools[0].Origin.ID)
}

func TestToolManagerGroupFilter(t *testing.T) {
	f := newToolFixture(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}, {Name: "hidden"}}},
	}, map[string]models.GroupConfig{
		"narrow": {ID: "narrow", Servers: []string{"alpha"}, Tools: []string{"echo"}},
	}, ToolManagerOptions{})

	tools, err := f.tools.ToolsForGroup(context.Background(), "narrow")
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, toolNames(tools))

	all, err := f.tools.ToolsForGroup(context.Background(), DefaultGroupID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestToolManagerGroupEditRoundTrip(t *testing.T) {
	f := newToolFixture(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}}},
		"beta":  {tools: []mcp.Tool{{Name: "sum"}}},
	}, map[string]models.GroupConfig{
		"team": {ID: "team", Servers: []string{"alpha", "beta"}},
	}, ToolManagerOptions{})

	before, err := f.tools.ToolsForGroup(context.Background(), "team")
	require.NoError(t, err)

	require.NoError(t, f.groups.UpdateGroup(models.GroupConfig{ID: "team", Servers: []string{"alpha"}}))
	f.tools.Invalidate()
	narrowed, err := f.tools.ToolsForGroup(context.Background(), "team")
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, toolNames(narrowed))

	// Re-adding the server restores the original export.
	require.NoError(t, f.groups.UpdateGroup(models.GroupConfig{ID: "team", Servers: []string{"alpha", "beta"}}))
	f.tools.Invalidate()
	after, err := f.tools.ToolsForGroup(context.Background(), "team")
	require.NoError(t, err)
	assert.Equal(t, toolNames(before), toolNames(after))
}

func TestToolManagerMergesAPITools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	f := newToolFixture(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}}},
	}, nil, ToolManagerOptions{})
	loadStatusTool(t, f.engine, srv.URL)

	tools, err := f.tools.ToolsForGroup(context.Background(), DefaultGroupID)
	require.NoError(t, err)
	require.Equal(t, []string{"api_status", "echo"}, toolNames(tools))
	assert.Equal(t, models.OriginAPI, tools[0].Origin.Kind)
	assert.Equal(t, "status-probe", tools[0].Origin.ID)
}

func TestToolManagerCacheCounters(t *testing.T) {
	f := newToolFixture(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}}},
	}, nil, ToolManagerOptions{})

	_, err := f.tools.ToolsForGroup(context.Background(), DefaultGroupID)
	require.NoError(t, err)
	_, err = f.tools.ToolsForGroup(context.Background(), DefaultGroupID)
	require.NoError(t, err)

	stats := f.tools.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)

	f.tools.Invalidate()
	_, err = f.tools.ToolsForGroup(context.Background(), DefaultGroupID)
	require.NoError(t, err)

	stats = f.tools.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, uint64(1), stats.Generation)
}

func TestToolManagerCacheDisabled(t *testing.T) {
	f := newToolFixture(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}}},
	}, nil, ToolManagerOptions{DisableCache: true})

	for i := 0; i < 3; i++ {
		_, err := f.tools.ToolsForGroup(context.Background(), DefaultGroupID)
		require.NoError(t, err)
	}

	stats := f.tools.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	assert.Zero(t, stats.Entries)
}

func TestToolManagerExecuteServerTool(t *testing.T) {
	rpc := &fakeRPC{
		tools: []mcp.Tool{{Name: "echo"}},
		callFn: func(req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args, _ := req.Params.Arguments.(map[string]any)
			text, _ := args["text"].(string)
			return mcp.NewToolResultText("echo: " + text), nil
		},
	}
	f := newToolFixture(t, map[string]*fakeRPC{"alpha": rpc}, nil, ToolManagerOptions{})

	result, err := f.tools.ExecuteTool(context.Background(), DefaultGroupID, "echo", map[string]any{"text": "hi"}, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", result.FirstText())
}

func TestToolManagerExecuteAPITool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	f := newToolFixture(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}}},
	}, nil, ToolManagerOptions{})
	loadStatusTool(t, f.engine, srv.URL)

	result, err := f.tools.ExecuteTool(context.Background(), DefaultGroupID, "api_status", nil, "client-1")
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, models.ContentJSON, result.Content[0].Type)
	assert.Equal(t, map[string]any{"ok": true}, result.Content[0].Data)
}

func TestToolManagerUnknownTool(t *testing.T) {
	f := newToolFixture(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}}},
	}, nil, ToolManagerOptions{})

	_, err := f.tools.ExecuteTool(context.Background(), DefaultGroupID, "ghost", nil, "client-1")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeToolNotFound, mcperr.CodeOf(err))
}

func TestToolManagerExecuteDeniedByFilter(t *testing.T) {
	f := newToolFixture(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}, {Name: "hidden"}}},
	}, map[string]models.GroupConfig{
		"narrow": {ID: "narrow", Servers: []string{"alpha"}, Tools: []string{"echo"}},
	}, ToolManagerOptions{})

	// The server exports hidden, but the group does not list it.
	_, err := f.tools.ExecuteTool(context.Background(), "narrow", "hidden", nil, "client-1")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeToolNotFound, mcperr.CodeOf(err))
}

func TestToolManagerNoServersAvailable(t *testing.T) {
	f := newToolFixture(t, map[string]*fakeRPC{
		"down": {startErr: fmt.Errorf("refused")},
	}, nil, ToolManagerOptions{})

	_, err := f.tools.ExecuteTool(context.Background(), DefaultGroupID, "anything", nil, "client-1")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeNoServersAvailable, mcperr.CodeOf(err))
}

func TestToolManagerUnknownGroup(t *testing.T) {
	f := newToolFixture(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}}},
	}, nil, ToolManagerOptions{})

	_, err := f.tools.ToolsForGroup(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeGroupNotFound, mcperr.CodeOf(err))
}
