package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"mcphub/internal/config"
	"mcphub/internal/logging"
	"mcphub/internal/services"
	"mcphub/internal/transport"
	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

// Frontend exposes the hub over the MCP listener modes: stdio, streamable
// HTTP under /mcp and SSE under /sse + /messages, each with group-scoped
// path variants. Build it after the hub has started.
type Frontend struct {
	hub      *services.Hub
	settings *config.Settings

	mu     sync.Mutex
	scopes map[string]*scope

	refresh chan struct{}
	log     *logging.Component
}

func NewFrontend(hub *services.Hub, settings *config.Settings) *Frontend {
	f := &Frontend{
		hub:      hub,
		settings: settings,
		scopes:   make(map[string]*scope),
		refresh:  make(chan struct{}, 1),
		log:      logging.Named("frontend"),
	}
	hub.Tools().AddInvalidationListener(func() {
		select {
		case f.refresh <- struct{}{}:
		default:
		}
	})
	return f
}

// Mount attaches the MCP endpoints to the router. The group-scoped variants
// are served from the NoRoute chain: gin's tree cannot hold a static /mcp
// next to /:group/mcp, and the catch-all keeps the fallback 404 in one
// place. Mount therefore owns the router's NoRoute handler.
func (f *Frontend) Mount(router *gin.Engine) {
	router.GET("/sse", f.handleSSE(services.DefaultGroupID))
	router.POST("/messages", f.handleMessage(services.DefaultGroupID))
	router.POST("/mcp", f.handleStreamable(services.DefaultGroupID))
	router.GET("/mcp", f.handleStreamable(services.DefaultGroupID))
	router.DELETE("/mcp", f.handleStreamable(services.DefaultGroupID))
	router.NoRoute(f.dispatchGroupScoped)
}

// Run keeps the exposed catalogues in step with the hub until ctx ends.
// With lazy loading the initial sync is skipped so no server dials before
// the first client asks.
func (f *Frontend) Run(ctx context.Context) {
	if !f.settings.EnableLazyLoading {
		f.syncAll(ctx)
	} else {
		f.ensureScopes()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.refresh:
			f.syncAll(ctx)
		}
	}
}

// ServeStdio serves the default group over stdin/stdout and blocks until
// the peer closes the stream or ctx ends.
func (f *Frontend) ServeStdio(ctx context.Context) error {
	return f.serveStdio(ctx, os.Stdin, os.Stdout)
}

func (f *Frontend) serveStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s, err := f.scopeFor(services.DefaultGroupID)
	if err != nil {
		return err
	}
	s.sync(ctx)

	srv := server.NewStdioServer(s.server)
	srv.SetContextFunc(func(ctx context.Context) context.Context {
		return context.WithValue(ctx, clientIDKey{}, "stdio")
	})
	return srv.Listen(ctx, in, out)
}

func (f *Frontend) syncAll(ctx context.Context) {
	for _, s := range f.ensureScopes() {
		s.sync(ctx)
	}
}

// ensureScopes materialises one scope per known group plus the default, and
// drops scopes whose group has been deleted.
func (f *Frontend) ensureScopes() []*scope {
	groups := f.hub.Groups().Groups()

	f.mu.Lock()
	defer f.mu.Unlock()

	known := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		known[g.ID] = struct{}{}
		if _, ok := f.scopes[g.ID]; !ok {
			f.scopes[g.ID] = newScope(g.ID, f.hub, f.log)
		}
	}
	for id := range f.scopes {
		if _, ok := known[id]; !ok {
			delete(f.scopes, id)
		}
	}

	out := make([]*scope, 0, len(f.scopes))
	for _, s := range f.scopes {
		out = append(out, s)
	}
	return out
}

// scopeFor resolves the serving scope for a group, creating it on first
// touch so groups added at runtime are reachable without a restart.
func (f *Frontend) scopeFor(groupID string) (*scope, error) {
	if _, err := f.hub.Groups().Group(groupID); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.scopes[groupID]; ok {
		return s, nil
	}
	s := newScope(groupID, f.hub, f.log)
	f.scopes[groupID] = s
	return s, nil
}

func (f *Frontend) handleStreamable(groupID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := f.admit(c, groupID)
		if !ok {
			return
		}
		s.streamable.ServeHTTP(c.Writer, c.Request)
	}
}

func (f *Frontend) handleSSE(groupID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := f.admit(c, groupID)
		if !ok {
			return
		}
		s.sse.SSEHandler().ServeHTTP(c.Writer, c.Request)
	}
}

// handleMessage forwards a client->server message onto an open SSE session.
// The session id is the credential here: it was issued on a gated /sse
// stream, so no second key check happens.
func (f *Frontend) handleMessage(groupID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := f.scopeFor(groupID)
		if err != nil {
			writeError(c, err)
			return
		}

		sessionID := c.Query("sessionId")
		if sessionID == "" {
			writeJSONRPCError(c.Writer, http.StatusBadRequest, mcp.INVALID_REQUEST, "missing sessionId")
			return
		}
		if !s.knowsSession(sessionID) {
			writeJSONRPCError(c.Writer, http.StatusBadRequest, mcp.INVALID_REQUEST, "unknown session "+sessionID)
			return
		}

		body, err := readFrame(c.Request.Body)
		if err != nil {
			status := http.StatusBadRequest
			if mcperr.TransportKindOf(err) == mcperr.TransportTooLarge {
				status = http.StatusRequestEntityTooLarge
			}
			writeJSONRPCError(c.Writer, status, mcp.INVALID_REQUEST, err.Error())
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		s.sse.MessageHandler().ServeHTTP(c.Writer, c.Request)
	}
}

// dispatchGroupScoped serves /{group}/mcp, /{group}/sse and
// /{group}/messages; everything else falls through to a 404 envelope.
func (f *Frontend) dispatchGroupScoped(c *gin.Context) {
	parts := strings.Split(strings.Trim(c.Request.URL.Path, "/"), "/")
	if len(parts) == 2 && parts[0] != "" {
		groupID := parts[0]
		switch parts[1] {
		case "mcp":
			f.handleStreamable(groupID)(c)
			return
		case "sse":
			if c.Request.Method == http.MethodGet {
				f.handleSSE(groupID)(c)
				return
			}
		case "messages":
			if c.Request.Method == http.MethodPost {
				f.handleMessage(groupID)(c)
				return
			}
		}
	}
	c.JSON(http.StatusNotFound, models.APIResponse{
		Error:     &models.APIError{Code: string(mcperr.CodeNotFound), Message: "no such endpoint"},
		Timestamp: time.Now().UTC(),
	})
}

// admit resolves the scope and enforces the group key, taken from the
// X-Group-Key header or the key query parameter.
func (f *Frontend) admit(c *gin.Context, groupID string) (*scope, bool) {
	s, err := f.scopeFor(groupID)
	if err != nil {
		writeError(c, err)
		return nil, false
	}

	key := c.GetHeader("X-Group-Key")
	if key == "" {
		key = c.Query("key")
	}
	if err := f.hub.VerifyGroupKey(groupID, key); err != nil {
		writeError(c, err)
		return nil, false
	}
	return s, true
}

// readFrame pulls a whole inbound message, applying the transport frame cap.
func readFrame(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, transport.MaxInboundMessageSize+1))
	if err != nil {
		return nil, err
	}
	return body, transport.CheckFrameSize(body)
}

func writeError(c *gin.Context, err error) {
	e := mcperr.FromError(err)
	c.AbortWithStatusJSON(mcperr.HTTPStatus(e.Code), models.APIResponse{
		Error:     &models.APIError{Code: string(e.Code), Message: e.Message},
		Timestamp: time.Now().UTC(),
	})
}

// writeJSONRPCError answers a malformed wire-level request in the shape MCP
// clients parse, outside any session.
func writeJSONRPCError(w http.ResponseWriter, status, code int, message string) {
	resp := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      any    `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{JSONRPC: "2.0"}
	resp.Error.Code = code
	resp.Error.Message = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

type clientIDKey struct{}

// withClientID stamps the caller identity used by per-client rate limits:
// the X-Client-Id header when present, otherwise the peer address.
func withClientID(ctx context.Context, r *http.Request) context.Context {
	id := r.Header.Get("X-Client-Id")
	if id == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			id = host
		} else {
			id = r.RemoteAddr
		}
	}
	return context.WithValue(ctx, clientIDKey{}, id)
}

func clientIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(clientIDKey{}).(string); ok && id != "" {
		return id
	}
	return "local"
}
