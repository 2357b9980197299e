package services

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/config"
	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

func testHub(t *testing.T, fakes map[string]*fakeRPC) (*Hub, *config.Store) {
	t.Helper()

	store := config.NewStore(afero.NewMemMapFs(), "/cfg")
	configs := make(map[string]models.ServerConfig, len(fakes))
	for id := range fakes {
		configs[id] = stdioConfig(id)
	}
	require.NoError(t, store.SaveServers(configs))

	hub := NewHub(&config.Settings{EnableCaching: true}, store)
	hub.newClient = factoryFor(fakes)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})
	return hub, store
}

func TestHubStart(t *testing.T) {
	hub, _ := testHub(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "alpha_echo"}}},
		"beta":  {tools: []mcp.Tool{{Name: "beta_echo"}}},
	})

	require.NoError(t, hub.Start(context.Background()))

	report := hub.HealthReport()
	assert.Equal(t, 100, report.Score)
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, 2, report.StatusCounts[models.StatusConnected])
	require.Len(t, report.Groups, 1)
	assert.Equal(t, DefaultGroupID, report.Groups[0].GroupID)
	assert.True(t, report.Groups[0].Available)

	tools, err := hub.GetTools(context.Background(), DefaultGroupID)
	require.NoError(t, err)
	assert.Len(t, tools, 2)
}

func TestHubStartWithFailingServer(t *testing.T) {
	hub, _ := testHub(t, map[string]*fakeRPC{
		"good": {tools: []mcp.Tool{{Name: "echo"}}},
		"bad":  {startErr: networkError()},
	})

	require.NoError(t, hub.Start(context.Background()))

	report := hub.HealthReport()
	assert.Equal(t, 70, report.Score)
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, 1, report.CriticalCount)

	// The healthy server still serves its tools.
	tools, err := hub.GetTools(context.Background(), DefaultGroupID)
	require.NoError(t, err)
	assert.Len(t, tools, 1)
}

func TestHubStartWithoutServerConfig(t *testing.T) {
	store := config.NewStore(afero.NewMemMapFs(), "/cfg")
	hub := NewHub(&config.Settings{}, store)

	err := hub.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeConfigError, mcperr.CodeOf(err))
}

func TestHubRejectsToolCollision(t *testing.T) {
	hub, store := testHub(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "api_status"}}},
	})
	require.NoError(t, store.SaveAPIToolsRaw([]byte(`{
		"version": "1.0",
		"tools": [{
			"id": "probe",
			"name": "api_status",
			"api": {"url": "https://api.example.com/status", "method": "GET"}
		}]
	}`)))

	err := hub.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeConfigError, mcperr.CodeOf(err))
	assert.Contains(t, err.Error(), "api_status")
}

func TestHubCallToolThroughFacade(t *testing.T) {
	rpc := &fakeRPC{
		tools:  []mcp.Tool{{Name: "echo"}},
		result: mcp.NewToolResultText("pong"),
	}
	hub, _ := testHub(t, map[string]*fakeRPC{"alpha": rpc})
	require.NoError(t, hub.Start(context.Background()))

	result, err := hub.CallTool(context.Background(), DefaultGroupID, "echo", nil, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "pong", result.FirstText())
}

func TestHubStoppedServerToolsVanish(t *testing.T) {
	hub, _ := testHub(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}}},
		"beta":  {tools: []mcp.Tool{{Name: "sum"}}},
	})
	require.NoError(t, hub.Start(context.Background()))

	tools, err := hub.GetTools(context.Background(), DefaultGroupID)
	require.NoError(t, err)
	assert.Len(t, tools, 2)

	require.NoError(t, hub.Manager().StopServer("beta"))

	// The status change invalidates the catalogue on its own.
	tools, err = hub.GetTools(context.Background(), DefaultGroupID)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, toolNames(tools))

	_, err = hub.CallTool(context.Background(), DefaultGroupID, "sum", nil, "client-1")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeToolNotFound, mcperr.CodeOf(err))
}

func TestHubTraceRecordsTraffic(t *testing.T) {
	hub, _ := testHub(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}}},
	})
	require.NoError(t, hub.Start(context.Background()))

	_, err := hub.CallTool(context.Background(), DefaultGroupID, "echo",
		map[string]any{"api_key": "supersecret"}, "client-1")
	require.NoError(t, err)

	entries := hub.TraceEntries(0)
	require.NotEmpty(t, entries)

	// Newest first: the call reply, then the call itself.
	assert.Equal(t, "tools/call", entries[0].Method)
	assert.Equal(t, models.TraceInbound, entries[0].Direction)
	assert.Equal(t, "tools/call", entries[1].Method)
	assert.Equal(t, models.TraceOutbound, entries[1].Direction)

	payload, ok := entries[1].Payload.(map[string]any)
	require.True(t, ok)
	args, ok := payload["arguments"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "***cret", args["api_key"])

	for _, entry := range entries {
		assert.NotEmpty(t, entry.ID)
		assert.Equal(t, "alpha", entry.ServerID)
	}
}

func TestHubReloadAPITools(t *testing.T) {
	hub, store := testHub(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}}},
	})
	require.NoError(t, hub.Start(context.Background()))

	_, err := hub.ReloadAPITools()
	require.Error(t, err)

	require.NoError(t, store.SaveAPIToolsRaw([]byte(`{
		"version": "1.0",
		"tools": [{
			"id": "probe",
			"name": "api_status",
			"api": {"url": "https://api.example.com/status", "method": "GET"}
		}]
	}`)))

	_, err = hub.ReloadAPITools()
	require.NoError(t, err)

	tools, err := hub.GetTools(context.Background(), DefaultGroupID)
	require.NoError(t, err)
	assert.Equal(t, []string{"api_status", "echo"}, toolNames(tools))
}

func TestHubReloadRejectsCollisionKeepingOldSet(t *testing.T) {
	hub, store := testHub(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}}},
	})
	require.NoError(t, store.SaveAPIToolsRaw([]byte(`{
		"version": "1.0",
		"tools": [{
			"id": "probe",
			"name": "api_status",
			"api": {"url": "https://api.example.com/status", "method": "GET"}
		}]
	}`)))
	require.NoError(t, hub.Start(context.Background()))

	require.NoError(t, store.SaveAPIToolsRaw([]byte(`{
		"version": "2.0",
		"tools": [{
			"id": "clash",
			"name": "echo",
			"api": {"url": "https://api.example.com/echo", "method": "GET"}
		}]
	}`)))

	_, err := hub.ReloadAPITools()
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeConfigError, mcperr.CodeOf(err))

	// The rejected document never replaced the running set.
	assert.Equal(t, []string{"api_status"}, hub.Engine().Names())
	assert.Equal(t, "1.0", hub.Engine().Version())
}

func TestHubReloadGroups(t *testing.T) {
	hub, store := testHub(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}}},
	})
	require.NoError(t, hub.Start(context.Background()))

	require.NoError(t, store.SaveGroups(map[string]models.GroupConfig{
		"team": {ID: "team", Servers: []string{"alpha"}},
	}))
	require.NoError(t, hub.ReloadGroups())

	assert.Len(t, hub.Groups().Groups(), 2)
}

func TestHubVerifyGroupKey(t *testing.T) {
	hub, _ := testHub(t, map[string]*fakeRPC{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}}},
	})
	require.NoError(t, hub.Start(context.Background()))

	require.NoError(t, hub.VerifyGroupKey(DefaultGroupID, ""))

	require.NoError(t, hub.Groups().SetAccessKey(DefaultGroupID, "secret"))
	require.NoError(t, hub.VerifyGroupKey(DefaultGroupID, "secret"))

	err := hub.VerifyGroupKey(DefaultGroupID, "wrong")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeAuthFailed, mcperr.CodeOf(err))
}

func TestHubShutdownIsIdempotent(t *testing.T) {
	rpc := &fakeRPC{}
	hub, _ := testHub(t, map[string]*fakeRPC{"alpha": rpc})
	require.NoError(t, hub.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))
	require.NoError(t, hub.Shutdown(ctx))

	_, _, _, closed := rpc.counts()
	assert.Equal(t, 1, closed)
}
