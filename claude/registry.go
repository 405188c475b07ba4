package claude

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/xiaoyuanzhu-com/claude-console/log"
)

// ConversationStatus describes whether a session has a live subprocess.
type ConversationStatus string

const (
	StatusOngoing   ConversationStatus = "ongoing"
	StatusCompleted ConversationStatus = "completed"

	// StatusPending is reserved for a future queued-start flow.
	// Nothing returns it today.
	StatusPending ConversationStatus = "pending"
)

// SessionEventKind discriminates registry lifecycle events.
type SessionEventKind string

const (
	SessionStarted SessionEventKind = "session-started"
	SessionEnded   SessionEventKind = "session-ended"
)

// SessionEvent announces a session binding change.
type SessionEvent struct {
	Kind      SessionEventKind
	SessionID string
	StreamID  string
}

// SessionContext carries what the registry knows about a live conversation
// that is not yet (or not fully) on disk.
type SessionContext struct {
	ProjectPath   string
	InitialPrompt string
	StartedAt     time.Time

	// Resume bookkeeping: the session this one continues and the records
	// it inherits from the previous session's file.
	PreviousSessionID string
	InheritedMessages []json.RawMessage
}

// Registry maps live StreamIDs to the SessionIDs the subprocess announced,
// in both directions, and holds the startup context for each live stream.
// A session is ongoing while bound and completed otherwise.
type Registry struct {
	mu              sync.RWMutex
	streamToSession map[string]string
	sessionToStream map[string]string
	contexts        map[string]*SessionContext

	notify func(SessionEvent)
}

// NewRegistry creates a registry. notify may be nil; when set, it is invoked
// synchronously (outside the registry lock) for every bind and unbind.
func NewRegistry(notify func(SessionEvent)) *Registry {
	return &Registry{
		streamToSession: make(map[string]string),
		sessionToStream: make(map[string]string),
		contexts:        make(map[string]*SessionContext),
		notify:          notify,
	}
}

// Bind associates a stream with the session its subprocess announced.
// If the session is already bound to another stream, the newer bind wins:
// the stolen stream is unbound first (with its session-ended event) and its
// context dropped.
func (r *Registry) Bind(streamID, sessionID string, ctx SessionContext) {
	var stolen string
	r.mu.Lock()
	if prevStream, ok := r.sessionToStream[sessionID]; ok && prevStream != streamID {
		log.Warn().
			Str("sessionId", sessionID).
			Str("previousStreamingId", prevStream).
			Str("streamingId", streamID).
			Msg("session rebound to a newer stream")
		delete(r.streamToSession, prevStream)
		delete(r.contexts, prevStream)
		stolen = prevStream
	}
	if prevSession, ok := r.streamToSession[streamID]; ok && prevSession != sessionID {
		delete(r.sessionToStream, prevSession)
	}
	r.streamToSession[streamID] = sessionID
	r.sessionToStream[sessionID] = streamID
	r.contexts[streamID] = &ctx
	r.mu.Unlock()

	if r.notify != nil {
		if stolen != "" {
			r.notify(SessionEvent{Kind: SessionEnded, SessionID: sessionID, StreamID: stolen})
		}
		r.notify(SessionEvent{Kind: SessionStarted, SessionID: sessionID, StreamID: streamID})
	}
}

// Unbind removes a stream's binding, returning the session it was bound to.
func (r *Registry) Unbind(streamID string) (string, bool) {
	r.mu.Lock()
	sessionID, ok := r.streamToSession[streamID]
	if ok {
		delete(r.streamToSession, streamID)
		delete(r.contexts, streamID)
		if r.sessionToStream[sessionID] == streamID {
			delete(r.sessionToStream, sessionID)
		}
	}
	r.mu.Unlock()

	if !ok {
		return "", false
	}
	if r.notify != nil {
		r.notify(SessionEvent{Kind: SessionEnded, SessionID: sessionID, StreamID: streamID})
	}
	return sessionID, true
}

// Status reports ongoing for bound sessions and completed for everything else.
func (r *Registry) Status(sessionID string) ConversationStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sessionToStream[sessionID]; ok {
		return StatusOngoing
	}
	return StatusCompleted
}

// StreamIDFor returns the live stream bound to a session.
func (r *Registry) StreamIDFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	streamID, ok := r.sessionToStream[sessionID]
	return streamID, ok
}

// SessionIDFor returns the session a stream is bound to.
func (r *Registry) SessionIDFor(streamID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.streamToSession[streamID]
	return sessionID, ok
}

// ContextFor returns a copy of a live stream's startup context.
func (r *Registry) ContextFor(streamID string) (SessionContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.contexts[streamID]
	if !ok {
		return SessionContext{}, false
	}
	return *ctx, true
}

// ConversationsNotOnDisk builds synthetic summaries for bound sessions whose
// files have not appeared under the projects directory yet. existing holds
// the SessionIDs found on disk.
func (r *Registry) ConversationsNotOnDisk(existing map[string]bool) []ConversationSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ConversationSummary
	for sessionID, streamID := range r.sessionToStream {
		if existing[sessionID] {
			continue
		}
		ctx := r.contexts[streamID]
		if ctx == nil {
			continue
		}
		out = append(out, ConversationSummary{
			SessionID:    sessionID,
			ProjectPath:  ctx.ProjectPath,
			Summary:      truncatePrompt(ctx.InitialPrompt),
			Status:       StatusOngoing,
			CreatedAt:    ctx.StartedAt,
			UpdatedAt:    ctx.StartedAt,
			MessageCount: 1 + len(ctx.InheritedMessages),
		})
	}
	return out
}

// ActiveDetailsFor reconstructs a live session's message view before its file
// lands on disk: inherited records from the resumed session, then a synthetic
// user message carrying the initial prompt.
func (r *Registry) ActiveDetailsFor(sessionID string) (ConversationDetails, bool) {
	r.mu.RLock()
	streamID, ok := r.sessionToStream[sessionID]
	var ctx *SessionContext
	if ok {
		ctx = r.contexts[streamID]
	}
	r.mu.RUnlock()

	if !ok || ctx == nil {
		return ConversationDetails{}, false
	}

	messages := make([]json.RawMessage, 0, len(ctx.InheritedMessages)+1)
	messages = append(messages, ctx.InheritedMessages...)
	messages = append(messages, syntheticUserMessage(sessionID, ctx.InitialPrompt, ctx.StartedAt))

	return ConversationDetails{
		ConversationSummary: ConversationSummary{
			SessionID:    sessionID,
			ProjectPath:  ctx.ProjectPath,
			Summary:      truncatePrompt(ctx.InitialPrompt),
			Status:       StatusOngoing,
			CreatedAt:    ctx.StartedAt,
			UpdatedAt:    ctx.StartedAt,
			MessageCount: len(messages),
		},
		Messages: messages,
	}, true
}

// syntheticUserMessage fabricates a log-file-shaped user entry for a prompt
// that has not been written to disk yet.
func syntheticUserMessage(sessionID, prompt string, at time.Time) json.RawMessage {
	entry := map[string]any{
		"type":      "user",
		"sessionId": sessionID,
		"timestamp": at.UTC().Format(time.RFC3339),
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	}
	raw, _ := json.Marshal(entry)
	return raw
}

const promptSummaryLimit = 100

// truncatePrompt derives a display summary from an initial prompt.
func truncatePrompt(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= promptSummaryLimit {
		return prompt
	}
	return string(runes[:promptSummaryLimit]) + "..."
}
