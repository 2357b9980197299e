package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handlers) listServers(c *gin.Context) {
	respond(c, http.StatusOK, h.hub.Manager().GetAllServers())
}

func (h *Handlers) getServer(c *gin.Context) {
	snapshot, err := h.hub.Manager().GetServerSnapshot(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, snapshot)
}

// reconnectServer closes and redials one connection. This is also the
// operator path out of the ERROR state once a downstream is fixed.
func (h *Handlers) reconnectServer(c *gin.Context) {
	serverID := c.Param("id")
	if err := h.hub.Manager().ReconnectServer(c.Request.Context(), serverID); err != nil {
		respondErr(c, err)
		return
	}
	h.log.Info("server %s reconnected via API", serverID)
	snapshot, err := h.hub.Manager().GetServerSnapshot(serverID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, snapshot)
}

func (h *Handlers) stopServer(c *gin.Context) {
	serverID := c.Param("id")
	if err := h.hub.Manager().StopServer(serverID); err != nil {
		respondErr(c, err)
		return
	}
	snapshot, err := h.hub.Manager().GetServerSnapshot(serverID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, snapshot)
}

func (h *Handlers) startServer(c *gin.Context) {
	serverID := c.Param("id")
	if err := h.hub.Manager().StartServer(c.Request.Context(), serverID); err != nil {
		respondErr(c, err)
		return
	}
	snapshot, err := h.hub.Manager().GetServerSnapshot(serverID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, snapshot)
}
