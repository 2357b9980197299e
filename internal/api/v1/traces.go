package v1

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mcphub/pkg/mcperr"
)

// getTrace returns recent MCP messages, newest first. limit <= 0 means all
// retained entries. Payloads were redacted at capture time.
func (h *Handlers) getTrace(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondErr(c, mcperr.New(mcperr.CodeInvalidParams, "limit must be an integer, got %q", raw))
			return
		}
		limit = parsed
	}

	entries := h.hub.TraceEntries(limit)
	respond(c, http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
