package api

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/claude-console/claude"
)

type notifyPermissionRequest struct {
	ToolName    string          `json:"toolName"`
	ToolInput   json.RawMessage `json:"toolInput"`
	StreamingID string          `json:"streamingId"`
}

// NotifyPermission registers a pending permission request. Called by the
// permission MCP server when the CLI asks for tool approval.
// POST /api/permissions/notify
func (h *Handlers) NotifyPermission(c *gin.Context) {
	var req notifyPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.ToolName == "" {
		RespondValidationError(c, "validation failed", []ErrorDetail{
			{Field: "toolName", Message: "toolName is required"},
		})
		return
	}

	request := h.srv.Broker().Notify(req.ToolName, req.ToolInput, req.StreamingID)
	c.JSON(200, gin.H{"success": true, "id": request.ID})
}

var validPermissionStatuses = map[claude.PermissionStatus]bool{
	claude.PermissionPending:  true,
	claude.PermissionApproved: true,
	claude.PermissionDenied:   true,
}

// ListPermissions returns requests filtered by stream and/or status.
// GET /api/permissions
func (h *Handlers) ListPermissions(c *gin.Context) {
	filter := claude.PermissionFilter{
		StreamID: c.Query("streamingId"),
		Status:   claude.PermissionStatus(c.Query("status")),
	}
	if filter.Status != "" && !validPermissionStatuses[filter.Status] {
		RespondBadRequest(c, "status must be pending, approved, or denied")
		return
	}

	permissions := h.srv.Broker().List(filter)
	if permissions == nil {
		permissions = []*claude.PermissionRequest{}
	}
	c.JSON(200, gin.H{"permissions": permissions})
}

// GetPermission returns a single request by ID.
// GET /api/permissions/:id
func (h *Handlers) GetPermission(c *gin.Context) {
	id := c.Param("id")
	request, ok := h.srv.Broker().Get(id)
	if !ok {
		RespondNotFound(c, "permission request not found: "+id)
		return
	}
	c.JSON(200, gin.H{"permission": request})
}

type permissionDecisionRequest struct {
	Action        string          `json:"action"`
	ModifiedInput json.RawMessage `json:"modifiedInput"`
	DenyReason    string          `json:"denyReason"`
}

// DecidePermission records the approve/deny decision for a request.
// POST /api/permissions/:id/decision
func (h *Handlers) DecidePermission(c *gin.Context) {
	id := c.Param("id")

	var req permissionDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	var status claude.PermissionStatus
	switch req.Action {
	case "approve":
		status = claude.PermissionApproved
	case "deny":
		status = claude.PermissionDenied
	default:
		RespondValidationError(c, "validation failed", []ErrorDetail{
			{Field: "action", Message: "action must be approve or deny"},
		})
		return
	}

	if !h.srv.Broker().UpdateStatus(id, status, req.ModifiedInput, req.DenyReason) {
		RespondNotFound(c, "permission request not found: "+id)
		return
	}
	c.JSON(200, gin.H{"success": true})
}
