package mcp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"mcphub/internal/logging"
	"mcphub/internal/services"
	"mcphub/internal/version"
	"mcphub/pkg/models"
)

// scope is one exposed MCP surface bound to a single group. Each scope owns
// its own server instance, so per-group catalogues, sessions and listChanged
// notifications never mix across groups.
type scope struct {
	groupID string
	hub     *services.Hub
	log     *logging.Component

	server     *server.MCPServer
	streamable *server.StreamableHTTPServer
	sse        *server.SSEServer

	mu         sync.Mutex
	registered map[string]string

	sessionMu sync.Mutex
	sessions  map[string]struct{}
}

func newScope(groupID string, hub *services.Hub, log *logging.Component) *scope {
	s := &scope{
		groupID:    groupID,
		hub:        hub,
		log:        log,
		registered: make(map[string]string),
		sessions:   make(map[string]struct{}),
	}

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessionMu.Lock()
		s.sessions[session.SessionID()] = struct{}{}
		s.sessionMu.Unlock()
	})
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessionMu.Lock()
		delete(s.sessions, session.SessionID())
		s.sessionMu.Unlock()
	})
	// A list always reflects the current catalogue, even before the first
	// background sync. With lazy loading this is where servers first dial.
	hooks.AddBeforeListTools(func(ctx context.Context, _ any, _ *mcp.ListToolsRequest) {
		s.sync(ctx)
	})

	s.server = server.NewMCPServer(
		"mcphub",
		version.GetVersion(),
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithHooks(hooks),
	)

	s.streamable = server.NewStreamableHTTPServer(s.server,
		server.WithStateLess(true),
		server.WithHTTPContextFunc(withClientID),
	)

	ssePath, messagePath := "/sse", "/messages"
	if groupID != services.DefaultGroupID {
		ssePath = "/" + groupID + "/sse"
		messagePath = "/" + groupID + "/messages"
	}
	s.sse = server.NewSSEServer(s.server,
		server.WithSSEEndpoint(ssePath),
		server.WithMessageEndpoint(messagePath),
		server.WithKeepAlive(true),
		server.WithSSEContextFunc(withClientID),
	)

	return s
}

// knowsSession reports whether an SSE session id was issued by this scope
// and is still open.
func (s *scope) knowsSession(id string) bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// sync reconciles the registered tools with the group catalogue. Adds and
// deletes go out in batches so connected sessions get one listChanged
// notification per batch instead of one per tool.
func (s *scope) sync(ctx context.Context) {
	tools, err := s.hub.GetTools(ctx, s.groupID)
	if err != nil {
		s.log.Debug("catalogue sync for group %s skipped: %v", s.groupID, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]string, len(tools))
	var add []server.ServerTool
	for _, tool := range tools {
		sig := toolSignature(tool)
		next[tool.Name] = sig
		if s.registered[tool.Name] == sig {
			continue
		}
		add = append(add, s.serverTool(tool))
	}
	var del []string
	for name := range s.registered {
		if _, keep := next[name]; !keep {
			del = append(del, name)
		}
	}

	if len(del) > 0 {
		s.server.DeleteTools(del...)
	}
	if len(add) > 0 {
		s.server.AddTools(add...)
	}
	if len(del) > 0 || len(add) > 0 {
		s.log.Debug("group %s catalogue synced: %d added, %d removed, %d total",
			s.groupID, len(add), len(del), len(next))
	}
	s.registered = next
}

// serverTool wraps one catalogue entry as an mcp-go handler dispatching
// through the hub. Execution errors surface as tool results, not protocol
// errors, so a failing tool never kills the session.
func (s *scope) serverTool(tool models.Tool) server.ServerTool {
	name := tool.Name
	return server.ServerTool{
		Tool: toolToMCP(tool),
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args, _ := req.Params.Arguments.(map[string]any)
			result, err := s.hub.CallTool(ctx, s.groupID, name, args, clientIDFrom(ctx))
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return resultToMCP(result), nil
		},
	}
}

// toolSignature fingerprints a tool so unchanged ones are not re-registered.
func toolSignature(tool models.Tool) string {
	schema, _ := json.Marshal(tool.InputSchema)
	return tool.Description + "\x00" + string(schema)
}

func toolToMCP(tool models.Tool) mcp.Tool {
	out := mcp.Tool{Name: tool.Name, Description: tool.Description}
	if len(tool.InputSchema) > 0 {
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			out.RawInputSchema = raw
			return out
		}
	}
	out.InputSchema = mcp.ToolInputSchema{Type: "object"}
	return out
}

func resultToMCP(result *models.ToolResult) *mcp.CallToolResult {
	out := &mcp.CallToolResult{IsError: result.IsError}
	for _, content := range result.Content {
		switch content.Type {
		case models.ContentText:
			out.Content = append(out.Content, mcp.NewTextContent(content.Text))
		default:
			raw, err := json.Marshal(content.Data)
			if err != nil {
				continue
			}
			out.Content = append(out.Content, mcp.NewTextContent(string(raw)))
		}
	}
	return out
}
