package claude

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xiaoyuanzhu-com/claude-console/log"
	"golang.org/x/sync/singleflight"
)

var ErrSessionNotFound = errors.New("session not found")

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	SessionID             string             `json:"sessionId"`
	ProjectPath           string             `json:"projectPath"`
	Summary               string             `json:"summary,omitempty"`
	CustomName            string             `json:"customName,omitempty"`
	Status                ConversationStatus `json:"status"`
	CreatedAt             time.Time          `json:"createdAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
	MessageCount          int                `json:"messageCount"`
	Model                 string             `json:"model,omitempty"`
	Archived              bool               `json:"archived"`
	Pinned                bool               `json:"pinned"`
	ContinuationSessionID string             `json:"continuationSessionId,omitempty"`
}

// ConversationDetails is a summary plus the session's raw records.
type ConversationDetails struct {
	ConversationSummary
	Messages []json.RawMessage `json:"messages"`
}

// ConversationMetadata aggregates per-session facts for the details view.
type ConversationMetadata struct {
	Summary            string `json:"summary,omitempty"`
	WorkingDirectory   string `json:"workingDirectory,omitempty"`
	LastAssistantModel string `json:"lastAssistantModel,omitempty"`
	TotalDurationMS    int64  `json:"totalDurationMs"`
	MessageCount       int    `json:"messageCount"`
}

// ConversationPrefs are the persisted per-session user preferences.
type ConversationPrefs struct {
	Archived              bool
	Pinned                bool
	CustomName            string
	ContinuationSessionID string
}

// PreferenceStore supplies persisted preferences to the listing. The db
// package implements it; a nil store means no preferences.
type PreferenceStore interface {
	AllPrefs() (map[string]ConversationPrefs, error)
}

// ListFilter narrows and orders the conversation list. Nil pointers match
// everything.
type ListFilter struct {
	ProjectPath     string
	Archived        *bool
	Pinned          *bool
	HasContinuation *bool
	SortBy          string // created | updated (default updated)
	Order           string // asc | desc (default desc)
	Limit           int
	Offset          int
}

// HistoryIndex reads completed conversations from the projects tree and
// merges in the registry's live, not-yet-on-disk sessions. Parsed files are
// cached by mtime; at most one refresh pass runs at a time.
type HistoryIndex struct {
	projectsDir string
	registry    *Registry
	prefs       PreferenceStore

	mu      sync.Mutex
	entries map[string]*cacheEntry
	group   singleflight.Group

	onParseError func()

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHistoryIndex creates an index over projectsDir. registry and prefs may
// be nil. onParseError may be nil; it is invoked once per skipped line.
func NewHistoryIndex(projectsDir string, registry *Registry, prefs PreferenceStore, onParseError func()) *HistoryIndex {
	ctx, cancel := context.WithCancel(context.Background())
	return &HistoryIndex{
		projectsDir:  projectsDir,
		registry:     registry,
		prefs:        prefs,
		entries:      make(map[string]*cacheEntry),
		onParseError: onParseError,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins the eviction watcher. The index works without it, at the cost
// of relying solely on the mtime check.
func (h *HistoryIndex) Start() {
	if err := h.startWatcher(); err != nil {
		log.Warn().Err(err).Str("dir", h.projectsDir).Msg("history watcher unavailable, using mtime checks only")
	}
}

// Shutdown stops the watcher goroutine.
func (h *HistoryIndex) Shutdown(ctx context.Context) error {
	h.cancel()
	if h.watcher != nil {
		h.watcher.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListConversations returns the filtered, sorted page of summaries together
// with the total count before pagination.
func (h *HistoryIndex) ListConversations(filter ListFilter) ([]ConversationSummary, int, error) {
	snapshot, err := h.refresh()
	if err != nil {
		return nil, 0, err
	}

	prefs := h.loadPrefs()

	existing := make(map[string]bool, len(snapshot))
	summaries := make([]ConversationSummary, 0, len(snapshot))
	for sessionID, sr := range snapshot {
		existing[sessionID] = true
		summary := h.summarize(sr)
		applyPrefs(&summary, prefs[sessionID])
		summaries = append(summaries, summary)
	}

	if h.registry != nil {
		for _, summary := range h.registry.ConversationsNotOnDisk(existing) {
			applyPrefs(&summary, prefs[summary.SessionID])
			summaries = append(summaries, summary)
		}
	}

	filtered := summaries[:0]
	for _, summary := range summaries {
		if matchesFilter(summary, filter) {
			filtered = append(filtered, summary)
		}
	}

	sortSummaries(filtered, filter.SortBy, filter.Order)

	total := len(filtered)
	page := paginate(filtered, filter.Limit, filter.Offset)
	return page, total, nil
}

// FetchConversation returns a session's full record list. Live sessions
// whose file has not appeared yet fall through to the registry's
// reconstructed view.
func (h *HistoryIndex) FetchConversation(sessionID string) (ConversationDetails, error) {
	snapshot, err := h.refresh()
	if err != nil {
		return ConversationDetails{}, err
	}

	if sr, ok := snapshot[sessionID]; ok {
		summary := h.summarize(sr)
		prefs := h.loadPrefs()
		applyPrefs(&summary, prefs[sessionID])
		return ConversationDetails{
			ConversationSummary: summary,
			Messages:            messageRecords(sr.records),
		}, nil
	}

	if h.registry != nil {
		if details, ok := h.registry.ActiveDetailsFor(sessionID); ok {
			return details, nil
		}
	}
	return ConversationDetails{}, ErrSessionNotFound
}

// GetMetadata aggregates a session's summary line, working directory, last
// assistant model, and summed per-entry durations.
func (h *HistoryIndex) GetMetadata(sessionID string) (ConversationMetadata, error) {
	snapshot, err := h.refresh()
	if err != nil {
		return ConversationMetadata{}, err
	}
	sr, ok := snapshot[sessionID]
	if !ok {
		return ConversationMetadata{}, ErrSessionNotFound
	}

	var meta ConversationMetadata
	for _, record := range sr.records {
		var entry logEntry
		if err := json.Unmarshal(record, &entry); err != nil {
			continue
		}
		meta.MessageCount++
		if entry.Summary != "" && meta.Summary == "" {
			meta.Summary = entry.Summary
		}
		if entry.CWD != "" && meta.WorkingDirectory == "" {
			meta.WorkingDirectory = entry.CWD
		}
		if model := entry.assistantModel(); model != "" {
			meta.LastAssistantModel = model
		}
		meta.TotalDurationMS += entry.DurationMS
	}
	return meta, nil
}

// WorkingDirectoryFor resolves the directory a session ran in, for resume.
// Live sessions resolve through the registry before touching disk.
func (h *HistoryIndex) WorkingDirectoryFor(sessionID string) (string, error) {
	if h.registry != nil {
		if streamID, ok := h.registry.StreamIDFor(sessionID); ok {
			if ctx, ok := h.registry.ContextFor(streamID); ok && ctx.ProjectPath != "" {
				return ctx.ProjectPath, nil
			}
		}
	}

	meta, err := h.GetMetadata(sessionID)
	if err != nil {
		return "", err
	}
	if meta.WorkingDirectory != "" {
		return meta.WorkingDirectory, nil
	}

	snapshot, err := h.refresh()
	if err != nil {
		return "", err
	}
	if sr, ok := snapshot[sessionID]; ok {
		return DecodeProjectPath(sr.projectDir), nil
	}
	return "", ErrSessionNotFound
}

// summarize reduces one session's records to a list row. Pure except for the
// registry status lookup.
func (h *HistoryIndex) summarize(sr *sessionRecords) ConversationSummary {
	summary := ConversationSummary{
		SessionID:   sr.sessionID,
		ProjectPath: DecodeProjectPath(sr.projectDir),
		Status:      StatusCompleted,
		UpdatedAt:   sr.mtime,
	}
	if h.registry != nil {
		summary.Status = h.registry.Status(sr.sessionID)
	}

	var firstPrompt string
	for _, record := range sr.records {
		var entry logEntry
		if err := json.Unmarshal(record, &entry); err != nil {
			continue
		}
		summary.MessageCount++

		if entry.Timestamp != "" {
			if t, err := time.Parse(time.RFC3339, entry.Timestamp); err == nil {
				if summary.CreatedAt.IsZero() || t.Before(summary.CreatedAt) {
					summary.CreatedAt = t
				}
				if t.After(summary.UpdatedAt) {
					summary.UpdatedAt = t
				}
			}
		}
		if entry.CWD != "" && summary.ProjectPath == "" {
			summary.ProjectPath = entry.CWD
		}
		if entry.Type == "summary" && entry.Summary != "" && summary.Summary == "" {
			summary.Summary = entry.Summary
		}
		if entry.Type == "user" && firstPrompt == "" {
			firstPrompt = userPromptOf(entry.Message)
		}
		if model := entry.assistantModel(); model != "" {
			summary.Model = model
		}
	}

	if summary.Summary == "" && firstPrompt != "" {
		summary.Summary = truncatePrompt(firstPrompt)
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = sr.mtime
	}
	return summary
}

// messageRecords drops summary entries from a session's record list. Summary
// lines feed the list view; they are not part of the conversation itself.
func messageRecords(records []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(records))
	for _, record := range records {
		if envelopeOf(record).Type == "summary" {
			continue
		}
		out = append(out, record)
	}
	return out
}

// userPromptOf extracts the text of a user message payload. Content may be a
// plain string or a block list.
func userPromptOf(message json.RawMessage) string {
	if len(message) == 0 {
		return ""
	}
	var payload struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(message, &payload); err != nil {
		return ""
	}

	var text string
	if json.Unmarshal(payload.Content, &text) == nil {
		return text
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(payload.Content, &blocks) == nil {
		for _, block := range blocks {
			if block.Type == "text" && block.Text != "" {
				return block.Text
			}
		}
	}
	return ""
}

func (h *HistoryIndex) loadPrefs() map[string]ConversationPrefs {
	if h.prefs == nil {
		return nil
	}
	prefs, err := h.prefs.AllPrefs()
	if err != nil {
		log.Warn().Err(err).Msg("failed to load conversation preferences")
		return nil
	}
	return prefs
}

func applyPrefs(summary *ConversationSummary, prefs ConversationPrefs) {
	summary.Archived = prefs.Archived
	summary.Pinned = prefs.Pinned
	summary.CustomName = prefs.CustomName
	summary.ContinuationSessionID = prefs.ContinuationSessionID
}

func matchesFilter(summary ConversationSummary, filter ListFilter) bool {
	if filter.ProjectPath != "" && summary.ProjectPath != filter.ProjectPath {
		return false
	}
	if filter.Archived != nil && summary.Archived != *filter.Archived {
		return false
	}
	if filter.Pinned != nil && summary.Pinned != *filter.Pinned {
		return false
	}
	if filter.HasContinuation != nil && (summary.ContinuationSessionID != "") != *filter.HasContinuation {
		return false
	}
	return true
}

func sortSummaries(summaries []ConversationSummary, sortBy, order string) {
	key := func(s ConversationSummary) time.Time {
		if sortBy == "created" {
			return s.CreatedAt
		}
		return s.UpdatedAt
	}
	asc := order == "asc"
	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := key(summaries[i]), key(summaries[j])
		if asc {
			return a.Before(b)
		}
		return a.After(b)
	})
}

func paginate(summaries []ConversationSummary, limit, offset int) []ConversationSummary {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(summaries) {
		return []ConversationSummary{}
	}
	end := len(summaries)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return summaries[offset:end]
}

// EncodeProjectPath maps a working directory to its directory name under the
// projects tree. The encoding is one-way: "/" becomes "-".
func EncodeProjectPath(path string) string {
	return strings.ReplaceAll(path, "/", "-")
}

// DecodeProjectPath approximates the original path for display. Paths that
// contained literal hyphens do not round-trip; callers prefer the cwd
// recorded inside the session file when present.
func DecodeProjectPath(encoded string) string {
	return strings.ReplaceAll(encoded, "-", "/")
}
