package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

// groupView is the outward shape of a group. Key material stays out of API
// responses; callers only learn whether a key is required.
type groupView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Servers     []string `json:"servers"`
	Tools       []string `json:"tools,omitempty"`
	RequiresKey bool     `json:"requiresKey"`
}

func viewOf(cfg models.GroupConfig) groupView {
	return groupView{
		ID:          cfg.ID,
		Name:        cfg.Name,
		Description: cfg.Description,
		Servers:     cfg.Servers,
		Tools:       cfg.Tools,
		RequiresKey: cfg.RequiresKey(),
	}
}

func (h *Handlers) listGroups(c *gin.Context) {
	groups := h.hub.Groups().Groups()
	views := make([]groupView, 0, len(groups))
	for _, cfg := range groups {
		views = append(views, viewOf(cfg))
	}
	respond(c, http.StatusOK, views)
}

func (h *Handlers) getGroup(c *gin.Context) {
	cfg, err := h.hub.Groups().Group(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, viewOf(cfg))
}

func (h *Handlers) getGroupTools(c *gin.Context) {
	tools, err := h.hub.GetTools(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, tools)
}

// groupRequest is the writable subset of a group. Validation state is
// managed through the key endpoints, never through group edits.
type groupRequest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Servers     []string `json:"servers"`
	Tools       []string `json:"tools"`
}

func (r groupRequest) config() models.GroupConfig {
	return models.GroupConfig{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Servers:     r.Servers,
		Tools:       r.Tools,
	}
}

func (h *Handlers) createGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, mcperr.New(mcperr.CodeInvalidParams, "invalid group body: %v", err))
		return
	}
	if err := h.hub.CreateGroup(req.config()); err != nil {
		respondErr(c, err)
		return
	}
	h.log.Info("group %s created", req.ID)
	respond(c, http.StatusCreated, viewOf(req.config()))
}

func (h *Handlers) updateGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, mcperr.New(mcperr.CodeInvalidParams, "invalid group body: %v", err))
		return
	}
	req.ID = c.Param("id")
	if err := h.hub.UpdateGroup(req.config()); err != nil {
		respondErr(c, err)
		return
	}
	cfg, err := h.hub.Groups().Group(req.ID)
	if err != nil {
		respondErr(c, err)
		return
	}
	h.log.Info("group %s updated", req.ID)
	respond(c, http.StatusOK, viewOf(cfg))
}

func (h *Handlers) deleteGroup(c *gin.Context) {
	groupID := c.Param("id")
	if err := h.hub.DeleteGroup(groupID); err != nil {
		respondErr(c, err)
		return
	}
	h.log.Info("group %s deleted", groupID)
	respond(c, http.StatusOK, gin.H{"groupId": groupID})
}

type keyRequest struct {
	Key string `json:"key"`
}

// setGroupKey sets the access key when one is supplied, or rotates to a
// fresh generated key when the body is empty. The plaintext key appears in
// this response only; the hub stores a hash.
func (h *Handlers) setGroupKey(c *gin.Context) {
	groupID := c.Param("id")

	var req keyRequest
	_ = c.ShouldBindJSON(&req)

	if req.Key != "" {
		if err := h.hub.Groups().SetAccessKey(groupID, req.Key); err != nil {
			respondErr(c, err)
			return
		}
		h.log.Info("access key set for group %s", groupID)
		respond(c, http.StatusOK, gin.H{"groupId": groupID})
		return
	}

	key, err := h.hub.Groups().RotateAccessKey(groupID)
	if err != nil {
		respondErr(c, err)
		return
	}
	h.log.Info("access key rotated for group %s", groupID)
	respond(c, http.StatusOK, gin.H{"groupId": groupID, "key": key})
}

func (h *Handlers) deleteGroupKey(c *gin.Context) {
	groupID := c.Param("id")
	if err := h.hub.Groups().DeleteAccessKey(groupID); err != nil {
		respondErr(c, err)
		return
	}
	h.log.Info("access key removed for group %s", groupID)
	respond(c, http.StatusOK, gin.H{"groupId": groupID})
}

func (h *Handlers) verifyGroupKey(c *gin.Context) {
	groupID := c.Param("id")

	var req keyRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.hub.VerifyGroupKey(groupID, req.Key); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"groupId": groupID, "valid": true})
}
