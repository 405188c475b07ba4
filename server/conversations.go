package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaoyuanzhu-com/claude-console/claude"
	"github.com/xiaoyuanzhu-com/claude-console/db"
	"github.com/xiaoyuanzhu-com/claude-console/log"
	"github.com/xiaoyuanzhu-com/claude-console/metrics"
)

// StartResult is what a successful start or resume hands back to the API.
type StartResult struct {
	StreamID   string
	SessionID  string
	InitRecord json.RawMessage
}

// StartConversation spawns a conversation and binds the announced session.
func (s *Server) StartConversation(ctx context.Context, cfg claude.StartConfig) (*StartResult, error) {
	streamID, initRecord, err := s.supervisor.StartConversation(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sessionID := claude.SessionIDOf(initRecord)
	s.registry.Bind(streamID, sessionID, claude.SessionContext{
		ProjectPath:   cfg.WorkingDirectory,
		InitialPrompt: cfg.InitialPrompt,
		StartedAt:     time.Now().UTC(),
	})

	metrics.ConversationsStarted.Inc()
	metrics.ActiveStreams.Inc()

	return &StartResult{StreamID: streamID, SessionID: sessionID, InitRecord: initRecord}, nil
}

// ResumeConversation continues a previous session in its original working
// directory. The registry inherits the previous session's records so the
// details view is complete before the new file lands on disk, and the
// previous session gets a continuation pointer to the new one.
func (s *Server) ResumeConversation(ctx context.Context, previousSessionID, message string, cfg claude.StartConfig) (*StartResult, error) {
	if cfg.WorkingDirectory == "" {
		wd, err := s.history.WorkingDirectoryFor(previousSessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		cfg.WorkingDirectory = wd
	}

	var inherited []json.RawMessage
	if details, err := s.history.FetchConversation(previousSessionID); err == nil {
		inherited = details.Messages
	}

	streamID, initRecord, err := s.supervisor.ResumeConversation(ctx, previousSessionID, message, cfg)
	if err != nil {
		return nil, err
	}

	sessionID := claude.SessionIDOf(initRecord)
	s.registry.Bind(streamID, sessionID, claude.SessionContext{
		ProjectPath:       cfg.WorkingDirectory,
		InitialPrompt:     message,
		StartedAt:         time.Now().UTC(),
		PreviousSessionID: previousSessionID,
		InheritedMessages: inherited,
	})

	if sessionID != "" && sessionID != previousSessionID {
		if err := db.SetConversationContinuation(previousSessionID, sessionID); err != nil {
			log.Warn().Err(err).Str("sessionId", previousSessionID).Msg("failed to record continuation")
		}
	}

	metrics.ConversationsStarted.Inc()
	metrics.ActiveStreams.Inc()

	return &StartResult{StreamID: streamID, SessionID: sessionID, InitRecord: initRecord}, nil
}

// StopConversation begins the staged stop of a stream.
func (s *Server) StopConversation(streamID string) bool {
	return s.supervisor.StopConversation(streamID)
}
