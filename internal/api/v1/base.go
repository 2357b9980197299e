// Package v1 implements the management API. Every response uses the
// success/error envelope so collaborators parse one shape.
package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mcphub/internal/logging"
	"mcphub/internal/services"
	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

type Handlers struct {
	hub *services.Hub
	log *logging.Component
}

func NewHandlers(hub *services.Hub) *Handlers {
	return &Handlers{hub: hub, log: logging.Named("api.v1")}
}

// RegisterRoutes registers all v1 routes.
func (h *Handlers) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.getHealth)

	serversGroup := router.Group("/servers")
	serversGroup.GET("", h.listServers)
	serversGroup.GET("/:id", h.getServer)
	serversGroup.POST("/:id/reconnect", h.reconnectServer)
	serversGroup.POST("/:id/stop", h.stopServer)
	serversGroup.POST("/:id/start", h.startServer)

	groupsGroup := router.Group("/groups")
	groupsGroup.GET("", h.listGroups)
	groupsGroup.POST("", h.createGroup)
	groupsGroup.GET("/:id", h.getGroup)
	groupsGroup.PUT("/:id", h.updateGroup)
	groupsGroup.DELETE("/:id", h.deleteGroup)
	groupsGroup.GET("/:id/tools", h.getGroupTools)
	groupsGroup.POST("/:id/key", h.setGroupKey)
	groupsGroup.DELETE("/:id/key", h.deleteGroupKey)
	groupsGroup.POST("/:id/key/verify", h.verifyGroupKey)

	router.GET("/tools/stats", h.getToolStats)
	router.GET("/trace", h.getTrace)

	apiToolsGroup := router.Group("/apitools")
	apiToolsGroup.GET("", h.listAPITools)
	apiToolsGroup.GET("/events", h.listAPIToolEvents)
	apiToolsGroup.POST("/reload", h.reloadAPITools)
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, models.APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func respondErr(c *gin.Context, err error) {
	e := mcperr.FromError(err)
	c.JSON(mcperr.HTTPStatus(e.Code), models.APIResponse{
		Error:     &models.APIError{Code: string(e.Code), Message: e.Message, Details: e.Details},
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handlers) getHealth(c *gin.Context) {
	respond(c, http.StatusOK, h.hub.HealthReport())
}

func (h *Handlers) getToolStats(c *gin.Context) {
	respond(c, http.StatusOK, h.hub.Tools().Stats())
}
