package claude

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoyuanzhu-com/claude-console/log"
)

// PermissionStatus tracks a permission request through its decision.
type PermissionStatus string

const (
	PermissionPending  PermissionStatus = "pending"
	PermissionApproved PermissionStatus = "approved"
	PermissionDenied   PermissionStatus = "denied"
)

// UnknownStreamID tags permission requests the notifying subprocess could not
// attribute to a stream. They are listable but never broadcast.
const UnknownStreamID = "unknown"

// PermissionRequest is one tool-use approval request from the permission
// MCP server.
type PermissionRequest struct {
	ID        string           `json:"id"`
	StreamID  string           `json:"streamingId"`
	ToolName  string           `json:"toolName"`
	ToolInput json.RawMessage  `json:"toolInput"`
	Status    PermissionStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`

	// Decision payload. Exactly one of these is set after UpdateStatus.
	ModifiedInput json.RawMessage `json:"modifiedInput,omitempty"`
	DenyReason    string          `json:"denyReason,omitempty"`
}

// PermissionFilter narrows List results. Zero values match everything.
type PermissionFilter struct {
	StreamID string
	Status   PermissionStatus
}

// PermissionEventKind discriminates broker observer events.
type PermissionEventKind string

const (
	PermissionRequested PermissionEventKind = "permission_request"
	PermissionUpdated   PermissionEventKind = "permission_updated"
)

// PermissionBroker holds in-flight permission requests in memory. Requests
// never outlive their stream: the stream-closed consumer calls
// RemoveByStreamID.
type PermissionBroker struct {
	mu       sync.RWMutex
	requests map[string]*PermissionRequest

	observer func(PermissionEventKind, *PermissionRequest)
}

// NewPermissionBroker creates an empty broker. observer may be nil; when set
// it receives a copy of the request outside the broker lock.
func NewPermissionBroker(observer func(PermissionEventKind, *PermissionRequest)) *PermissionBroker {
	return &PermissionBroker{
		requests: make(map[string]*PermissionRequest),
		observer: observer,
	}
}

// Notify registers a new pending request and returns it.
func (b *PermissionBroker) Notify(toolName string, toolInput json.RawMessage, streamID string) *PermissionRequest {
	if streamID == "" {
		streamID = UnknownStreamID
	}
	req := &PermissionRequest{
		ID:        uuid.New().String(),
		StreamID:  streamID,
		ToolName:  toolName,
		ToolInput: toolInput,
		Status:    PermissionPending,
		CreatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	b.requests[req.ID] = req
	b.mu.Unlock()

	log.Info().
		Str("permissionId", req.ID).
		Str("streamingId", streamID).
		Str("toolName", toolName).
		Msg("permission request received")

	b.emit(PermissionRequested, req)
	return req
}

// List returns requests matching the filter, oldest first.
func (b *PermissionBroker) List(filter PermissionFilter) []*PermissionRequest {
	b.mu.RLock()
	out := make([]*PermissionRequest, 0, len(b.requests))
	for _, req := range b.requests {
		if filter.StreamID != "" && req.StreamID != filter.StreamID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, copyRequest(req))
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns a request by ID.
func (b *PermissionBroker) Get(id string) (*PermissionRequest, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	req, ok := b.requests[id]
	if !ok {
		return nil, false
	}
	return copyRequest(req), true
}

// UpdateStatus records the decision for a request. Approved decisions may
// carry a modified tool input, denied ones a reason. Returns false for
// unknown IDs.
func (b *PermissionBroker) UpdateStatus(id string, status PermissionStatus, modifiedInput json.RawMessage, denyReason string) bool {
	b.mu.Lock()
	req, ok := b.requests[id]
	if ok {
		req.Status = status
		req.ModifiedInput = modifiedInput
		req.DenyReason = denyReason
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	log.Info().
		Str("permissionId", id).
		Str("status", string(status)).
		Msg("permission request decided")

	b.emit(PermissionUpdated, req)
	return true
}

// RemoveByStreamID drops every request attributed to a stream and returns
// the number removed.
func (b *PermissionBroker) RemoveByStreamID(streamID string) int {
	b.mu.Lock()
	removed := 0
	for id, req := range b.requests {
		if req.StreamID == streamID {
			delete(b.requests, id)
			removed++
		}
	}
	b.mu.Unlock()

	if removed > 0 {
		log.Debug().Str("streamingId", streamID).Int("removed", removed).Msg("dropped permission requests for closed stream")
	}
	return removed
}

func (b *PermissionBroker) emit(kind PermissionEventKind, req *PermissionRequest) {
	if b.observer == nil {
		return
	}
	b.mu.RLock()
	snapshot := copyRequest(req)
	b.mu.RUnlock()
	b.observer(kind, snapshot)
}

func copyRequest(req *PermissionRequest) *PermissionRequest {
	cp := *req
	return &cp
}
