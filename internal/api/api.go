// Package api provides the HTTP server for the hub: the MCP endpoints
// (streamable HTTP and SSE, plus their group-scoped variants) and the
// management API under /api/v1.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	v1 "mcphub/internal/api/v1"
	"mcphub/internal/config"
	"mcphub/internal/logging"
	frontend "mcphub/internal/mcp"
	"mcphub/internal/services"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	settings   *config.Settings
	hub        *services.Hub
	frontend   *frontend.Frontend
	httpServer *http.Server
	log        *logging.Component
}

func New(settings *config.Settings, hub *services.Hub, front *frontend.Frontend) *Server {
	return &Server{
		settings: settings,
		hub:      hub,
		frontend: front,
		log:      logging.Named("api"),
	}
}

// Router builds the full route tree. Split out from Start so tests can serve
// it without binding a port.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(cors())

	// Liveness probe, no envelope: load balancers poll this.
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "mcphub"})
	})

	apiGroup := router.Group("/api/v1")
	v1.NewHandlers(s.hub).RegisterRoutes(apiGroup)

	// MCP endpoints last: Mount takes over NoRoute for the group-scoped
	// paths and the fallback 404.
	s.frontend.Mount(router)
	return router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.settings.Host, s.settings.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// requestID tags each request so log lines and error reports correlate.
// An inbound X-Request-Id is trusted; otherwise one is minted.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Group-Key, X-Request-Id")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
