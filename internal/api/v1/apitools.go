package v1

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mcphub/pkg/apitools"
	"mcphub/pkg/mcperr"
)

func (h *Handlers) listAPITools(c *gin.Context) {
	engine := h.hub.Engine()
	findings := engine.Findings()
	if findings == nil {
		findings = []apitools.Finding{}
	}
	respond(c, http.StatusOK, gin.H{
		"version":  engine.Version(),
		"tools":    engine.Tools(),
		"findings": findings,
	})
}

// listAPIToolEvents exposes the security event log: rate limit hits,
// whitelist rejections, error-rate alerts.
func (h *Handlers) listAPIToolEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	respond(c, http.StatusOK, gin.H{"events": h.hub.Engine().Events(limit)})
}

// reloadAPITools re-reads api-tools.json from disk. On validation failure
// the previous set keeps serving and the findings explain what to fix.
func (h *Handlers) reloadAPITools(c *gin.Context) {
	findings, err := h.hub.ReloadAPITools()
	if findings == nil {
		findings = []apitools.Finding{}
	}
	if err != nil {
		h.log.Warn("api tools reload rejected: %v", err)
		respondErr(c, mcperr.FromError(err).WithDetail("findings", findings))
		return
	}
	h.log.Info("api tools reloaded: %d tools", len(h.hub.Engine().Names()))
	respond(c, http.StatusOK, gin.H{
		"tools":    h.hub.Engine().Names(),
		"findings": findings,
	})
}
