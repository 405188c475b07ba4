package api

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/claude-console/claude"
	"github.com/xiaoyuanzhu-com/claude-console/db"
	"github.com/xiaoyuanzhu-com/claude-console/log"
	"github.com/xiaoyuanzhu-com/claude-console/server"
)

const maxCustomNameLength = 200

var validPermissionModes = map[string]bool{
	"default":           true,
	"acceptEdits":       true,
	"bypassPermissions": true,
	"plan":              true,
}

type startConversationRequest struct {
	WorkingDirectory string   `json:"workingDirectory"`
	InitialPrompt    string   `json:"initialPrompt"`
	Model            string   `json:"model"`
	AllowedTools     []string `json:"allowedTools"`
	DisallowedTools  []string `json:"disallowedTools"`
	SystemPrompt     string   `json:"systemPrompt"`
	PermissionMode   string   `json:"permissionMode"`
	MaxTurns         int      `json:"maxTurns"`
	AddDirs          []string `json:"addDirs"`

	// ResumeSessionID switches the start into resume mode; the working
	// directory then defaults to the resumed session's.
	ResumeSessionID string `json:"resumedSessionId"`
}

// startResponse spreads the init record's fields at the top level and adds
// the routing fields the client needs to attach to the stream.
func startResponse(result *server.StartResult) gin.H {
	resp := gin.H{}
	if err := json.Unmarshal(result.InitRecord, &resp); err != nil {
		resp = gin.H{}
	}
	resp["streamingId"] = result.StreamID
	resp["sessionId"] = result.SessionID
	resp["streamUrl"] = "/api/stream/" + result.StreamID
	return resp
}

// StartConversation launches a subprocess and returns once its init record
// arrives. POST /api/conversations/start
func (h *Handlers) StartConversation(c *gin.Context) {
	var req startConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	if req.InitialPrompt == "" {
		RespondValidationError(c, "validation failed", []ErrorDetail{
			{Field: "initialPrompt", Message: "initialPrompt is required"},
		})
		return
	}
	if req.ResumeSessionID == "" && req.WorkingDirectory == "" {
		RespondValidationError(c, "validation failed", []ErrorDetail{
			{Field: "workingDirectory", Message: "workingDirectory is required"},
		})
		return
	}
	if req.PermissionMode != "" && !validPermissionModes[req.PermissionMode] {
		RespondValidationError(c, "validation failed", []ErrorDetail{
			{Field: "permissionMode", Message: "unknown permissionMode: " + req.PermissionMode},
		})
		return
	}

	cfg := claude.StartConfig{
		WorkingDirectory: req.WorkingDirectory,
		InitialPrompt:    req.InitialPrompt,
		Model:            req.Model,
		AllowedTools:     req.AllowedTools,
		DisallowedTools:  req.DisallowedTools,
		SystemPrompt:     req.SystemPrompt,
		PermissionMode:   req.PermissionMode,
		MaxTurns:         req.MaxTurns,
		AddDirs:          req.AddDirs,
	}

	var result *server.StartResult
	var err error
	if req.ResumeSessionID != "" {
		result, err = h.srv.ResumeConversation(c.Request.Context(), req.ResumeSessionID, req.InitialPrompt, cfg)
	} else {
		result, err = h.srv.StartConversation(c.Request.Context(), cfg)
	}
	if err != nil {
		switch {
		case errors.Is(err, claude.ErrSessionNotFound):
			RespondNotFound(c, "session not found: "+req.ResumeSessionID)
		case errors.Is(err, claude.ErrExecutableNotFound), errors.Is(err, claude.ErrSpawnFailed):
			log.Error().Err(err).Msg("failed to start conversation")
			RespondSpawnError(c, err.Error())
		default:
			log.Error().Err(err).Msg("failed to start conversation")
			RespondInternalError(c, err.Error())
		}
		return
	}

	c.JSON(200, startResponse(result))
}

// StopConversation begins the staged stop of a stream. Unknown streams are
// reported through success=false, not an error.
// POST /api/conversations/:id/stop
func (h *Handlers) StopConversation(c *gin.Context) {
	streamID := c.Param("id")
	c.JSON(200, gin.H{"success": h.srv.StopConversation(streamID)})
}

// ListConversations returns the merged on-disk and live conversation list.
// GET /api/conversations
func (h *Handlers) ListConversations(c *gin.Context) {
	filter := claude.ListFilter{
		ProjectPath: c.Query("projectPath"),
		SortBy:      c.DefaultQuery("sortBy", "updated"),
		Order:       c.DefaultQuery("order", "desc"),
	}

	if filter.SortBy != "created" && filter.SortBy != "updated" {
		RespondBadRequest(c, "sortBy must be created or updated")
		return
	}
	if filter.Order != "asc" && filter.Order != "desc" {
		RespondBadRequest(c, "order must be asc or desc")
		return
	}

	var parseErr error
	filter.Archived, parseErr = optionalBool(c, "archived", parseErr)
	filter.Pinned, parseErr = optionalBool(c, "pinned", parseErr)
	filter.HasContinuation, parseErr = optionalBool(c, "hasContinuation", parseErr)
	if parseErr != nil {
		RespondBadRequest(c, parseErr.Error())
		return
	}

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			RespondBadRequest(c, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			RespondBadRequest(c, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	conversations, total, err := h.srv.History().ListConversations(filter)
	if err != nil {
		log.Error().Err(err).Msg("failed to list conversations")
		RespondInternalError(c, "failed to list conversations")
		return
	}
	if conversations == nil {
		conversations = []claude.ConversationSummary{}
	}

	c.JSON(200, gin.H{
		"conversations": conversations,
		"total":         total,
	})
}

// GetConversation returns a session's records plus aggregated metadata.
// Live sessions not yet on disk resolve through the registry.
// GET /api/conversations/:id
func (h *Handlers) GetConversation(c *gin.Context) {
	sessionID := c.Param("id")

	details, err := h.srv.History().FetchConversation(sessionID)
	if err != nil {
		if errors.Is(err, claude.ErrSessionNotFound) {
			RespondNotFound(c, "session not found: "+sessionID)
			return
		}
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to fetch conversation")
		RespondInternalError(c, "failed to fetch conversation")
		return
	}

	// Metadata is best-effort for live sessions whose file is not on disk.
	metadata, _ := h.srv.History().GetMetadata(sessionID)

	c.JSON(200, gin.H{
		"messages":    details.Messages,
		"summary":     details.Summary,
		"projectPath": details.ProjectPath,
		"status":      details.Status,
		"metadata":    metadata,
	})
}

type renameRequest struct {
	CustomName string `json:"customName"`
}

// RenameConversation stores a custom display name.
// PUT /api/conversations/:id/rename
func (h *Handlers) RenameConversation(c *gin.Context) {
	sessionID := c.Param("id")

	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if len(req.CustomName) > maxCustomNameLength {
		RespondValidationError(c, "validation failed", []ErrorDetail{
			{Field: "customName", Message: "customName must be at most 200 characters"},
		})
		return
	}

	if _, err := h.srv.History().FetchConversation(sessionID); err != nil {
		RespondNotFound(c, "session not found: "+sessionID)
		return
	}

	if err := db.SetConversationName(sessionID, req.CustomName); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to rename conversation")
		RespondInternalError(c, "failed to rename conversation")
		return
	}
	c.JSON(200, gin.H{"success": true})
}

type archiveRequest struct {
	Archived bool `json:"archived"`
}

// ArchiveConversation toggles the archived flag.
// POST /api/conversations/:id/archive
func (h *Handlers) ArchiveConversation(c *gin.Context) {
	sessionID := c.Param("id")

	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	if err := db.SetConversationArchived(sessionID, req.Archived); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to archive conversation")
		RespondInternalError(c, "failed to archive conversation")
		return
	}
	c.JSON(200, gin.H{"success": true})
}

type pinRequest struct {
	Pinned bool `json:"pinned"`
}

// PinConversation toggles the pinned flag.
// POST /api/conversations/:id/pin
func (h *Handlers) PinConversation(c *gin.Context) {
	sessionID := c.Param("id")

	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	if err := db.SetConversationPinned(sessionID, req.Pinned); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to pin conversation")
		RespondInternalError(c, "failed to pin conversation")
		return
	}
	c.JSON(200, gin.H{"success": true})
}

// optionalBool parses a tri-state query flag. The error from an earlier
// field is passed through so callers can chain parses.
func optionalBool(c *gin.Context, name string, prev error) (*bool, error) {
	if prev != nil {
		return nil, prev
	}
	v := c.Query(name)
	if v == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return nil, errors.New(name + " must be true or false")
	}
	return &parsed, nil
}
