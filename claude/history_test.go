package claude

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakePrefs map[string]ConversationPrefs

func (f fakePrefs) AllPrefs() (map[string]ConversationPrefs, error) { return f, nil }

func writeSession(t *testing.T, projectsDir, projectDir, sessionID string, lines ...string) string {
	t.Helper()
	dir := filepath.Join(projectsDir, projectDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("write session: %v", err)
	}
	return path
}

func TestHistoryIndex_ListSummarizesSessionFile(t *testing.T) {
	projectsDir := t.TempDir()
	writeSession(t, projectsDir, "-w", "sess-1",
		`{"type":"summary","summary":"Greeting session"}`,
		`{"type":"user","timestamp":"2026-01-02T10:00:00Z","cwd":"/w","message":{"role":"user","content":"hello"}}`,
		`{"type":"assistant","timestamp":"2026-01-02T10:00:05Z","durationMs":1200,"message":{"role":"assistant","model":"claude-opus-4"}}`,
	)

	h := NewHistoryIndex(projectsDir, nil, nil, nil)
	summaries, total, err := h.ListConversations(ListFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 1 || len(summaries) != 1 {
		t.Fatalf("expected 1 conversation, got %d", total)
	}

	s := summaries[0]
	if s.SessionID != "sess-1" {
		t.Errorf("SessionID = %s", s.SessionID)
	}
	if s.ProjectPath != "/w" {
		t.Errorf("ProjectPath = %s, want /w", s.ProjectPath)
	}
	if s.Summary != "Greeting session" {
		t.Errorf("Summary = %q", s.Summary)
	}
	if s.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", s.MessageCount)
	}
	if s.Model != "claude-opus-4" {
		t.Errorf("Model = %s", s.Model)
	}
	if s.Status != StatusCompleted {
		t.Errorf("Status = %s", s.Status)
	}
	if !s.CreatedAt.Equal(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedAt = %s", s.CreatedAt)
	}
}

func TestHistoryIndex_CacheKeyedByMtime(t *testing.T) {
	projectsDir := t.TempDir()
	path := writeSession(t, projectsDir, "-w", "sess-1",
		`{"type":"user","timestamp":"2026-01-02T10:00:00Z","cwd":"/w","message":{"content":"one"}}`,
	)
	mtime := time.Date(2026, 1, 2, 11, 0, 0, 0, time.UTC)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	h := NewHistoryIndex(projectsDir, nil, nil, nil)
	summaries, _, err := h.ListConversations(ListFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if summaries[0].MessageCount != 1 {
		t.Fatalf("MessageCount = %d, want 1", summaries[0].MessageCount)
	}

	// Rewrite with more records but restore the old mtime: the cached
	// parse must be reused.
	writeSession(t, projectsDir, "-w", "sess-1",
		`{"type":"user","timestamp":"2026-01-02T10:00:00Z","cwd":"/w","message":{"content":"one"}}`,
		`{"type":"assistant","timestamp":"2026-01-02T10:00:05Z","message":{"model":"m"}}`,
	)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	summaries, _, _ = h.ListConversations(ListFilter{})
	if summaries[0].MessageCount != 1 {
		t.Errorf("unchanged mtime should reuse cache, got count %d", summaries[0].MessageCount)
	}

	// Bump the mtime: the entry is stale and gets re-parsed.
	later := mtime.Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	summaries, _, _ = h.ListConversations(ListFilter{})
	if summaries[0].MessageCount != 2 {
		t.Errorf("changed mtime should re-parse, got count %d", summaries[0].MessageCount)
	}
}

func TestHistoryIndex_VanishedFileEvicted(t *testing.T) {
	projectsDir := t.TempDir()
	path := writeSession(t, projectsDir, "-w", "sess-1",
		`{"type":"user","message":{"content":"hi"}}`,
	)

	h := NewHistoryIndex(projectsDir, nil, nil, nil)
	if _, total, _ := h.ListConversations(ListFilter{}); total != 1 {
		t.Fatalf("expected 1 conversation, got %d", total)
	}

	os.Remove(path)
	if _, total, _ := h.ListConversations(ListFilter{}); total != 0 {
		t.Errorf("expected eviction after delete, got %d", total)
	}
}

func TestHistoryIndex_MalformedLinesSkipped(t *testing.T) {
	projectsDir := t.TempDir()
	writeSession(t, projectsDir, "-w", "sess-1",
		`{"type":"user","message":{"content":"ok"}}`,
		`garbage line`,
		`{"type":"result"}`,
	)

	parseErrors := 0
	h := NewHistoryIndex(projectsDir, nil, nil, func() { parseErrors++ })
	summaries, total, err := h.ListConversations(ListFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 1 {
		t.Fatalf("a bad line must not drop the session, total = %d", total)
	}
	if summaries[0].MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", summaries[0].MessageCount)
	}
	if parseErrors != 1 {
		t.Errorf("parseErrors = %d, want 1", parseErrors)
	}
}

func TestHistoryIndex_FiltersAndPagination(t *testing.T) {
	projectsDir := t.TempDir()
	writeSession(t, projectsDir, "-a", "sess-1",
		`{"type":"user","timestamp":"2026-01-01T00:00:00Z","cwd":"/a","message":{"content":"x"}}`,
	)
	writeSession(t, projectsDir, "-a", "sess-2",
		`{"type":"user","timestamp":"2026-01-02T00:00:00Z","cwd":"/a","message":{"content":"y"}}`,
	)
	writeSession(t, projectsDir, "-b", "sess-3",
		`{"type":"user","timestamp":"2026-01-03T00:00:00Z","cwd":"/b","message":{"content":"z"}}`,
	)

	prefs := fakePrefs{
		"sess-1": {Archived: true},
		"sess-2": {Pinned: true, ContinuationSessionID: "sess-9"},
	}
	h := NewHistoryIndex(projectsDir, nil, prefs, nil)

	boolPtr := func(b bool) *bool { return &b }

	_, total, _ := h.ListConversations(ListFilter{ProjectPath: "/a"})
	if total != 2 {
		t.Errorf("projectPath filter: total = %d, want 2", total)
	}

	summaries, total, _ := h.ListConversations(ListFilter{Archived: boolPtr(true)})
	if total != 1 || summaries[0].SessionID != "sess-1" {
		t.Errorf("archived filter: %+v", summaries)
	}

	summaries, _, _ = h.ListConversations(ListFilter{Pinned: boolPtr(true)})
	if len(summaries) != 1 || summaries[0].SessionID != "sess-2" {
		t.Errorf("pinned filter: %+v", summaries)
	}

	summaries, _, _ = h.ListConversations(ListFilter{HasContinuation: boolPtr(true)})
	if len(summaries) != 1 || summaries[0].ContinuationSessionID != "sess-9" {
		t.Errorf("hasContinuation filter: %+v", summaries)
	}

	// Ascending by creation, one per page.
	summaries, total, _ = h.ListConversations(ListFilter{SortBy: "created", Order: "asc", Limit: 1, Offset: 1})
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(summaries) != 1 || summaries[0].SessionID != "sess-2" {
		t.Errorf("page 2 = %+v", summaries)
	}
}

func TestHistoryIndex_MergesLiveSessionsNotOnDisk(t *testing.T) {
	projectsDir := t.TempDir()
	writeSession(t, projectsDir, "-w", "sess-on-disk",
		`{"type":"user","timestamp":"2026-01-01T00:00:00Z","cwd":"/w","message":{"content":"x"}}`,
	)

	registry := NewRegistry(nil)
	registry.Bind("stream-1", "sess-live", SessionContext{
		ProjectPath:   "/w",
		InitialPrompt: "live prompt",
		StartedAt:     time.Now().UTC(),
	})

	h := NewHistoryIndex(projectsDir, registry, nil, nil)
	summaries, total, err := h.ListConversations(ListFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected on-disk + live, got %d", total)
	}

	var live *ConversationSummary
	for i := range summaries {
		if summaries[i].SessionID == "sess-live" {
			live = &summaries[i]
		}
	}
	if live == nil {
		t.Fatal("live session missing from list")
	}
	if live.Status != StatusOngoing || live.Summary != "live prompt" {
		t.Errorf("unexpected live summary: %+v", live)
	}
}

func TestHistoryIndex_FetchExcludesSummaryRecords(t *testing.T) {
	projectsDir := t.TempDir()
	writeSession(t, projectsDir, "-w", "sess-1",
		`{"type":"summary","summary":"Greeting session"}`,
		`{"type":"user","message":{"role":"user","content":"hello"}}`,
		`{"type":"assistant","message":{"role":"assistant"}}`,
	)

	h := NewHistoryIndex(projectsDir, nil, nil, nil)
	details, err := h.FetchConversation("sess-1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if details.Summary != "Greeting session" {
		t.Errorf("Summary = %q", details.Summary)
	}
	if len(details.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(details.Messages))
	}
	for _, msg := range details.Messages {
		if strings.Contains(string(msg), `"summary"`) {
			t.Errorf("summary record leaked into messages: %s", msg)
		}
	}
}

func TestHistoryIndex_FetchFallsThroughToRegistry(t *testing.T) {
	projectsDir := t.TempDir()

	registry := NewRegistry(nil)
	registry.Bind("stream-1", "sess-live", SessionContext{
		ProjectPath:   "/w",
		InitialPrompt: "still running",
		StartedAt:     time.Now().UTC(),
	})

	h := NewHistoryIndex(projectsDir, registry, nil, nil)

	details, err := h.FetchConversation("sess-live")
	if err != nil {
		t.Fatalf("expected registry fallthrough, got %v", err)
	}
	if len(details.Messages) != 1 || !strings.Contains(string(details.Messages[0]), "still running") {
		t.Errorf("unexpected reconstructed messages: %v", details.Messages)
	}

	if _, err := h.FetchConversation("sess-nowhere"); err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestHistoryIndex_MetadataAggregation(t *testing.T) {
	projectsDir := t.TempDir()
	writeSession(t, projectsDir, "-w", "sess-1",
		`{"type":"summary","summary":"Sum"}`,
		`{"type":"user","cwd":"/w","durationMs":10,"message":{"content":"q"}}`,
		`{"type":"assistant","durationMs":40,"message":{"model":"model-a"}}`,
		`{"type":"assistant","durationMs":50,"message":{"model":"model-b"}}`,
	)

	h := NewHistoryIndex(projectsDir, nil, nil, nil)
	meta, err := h.GetMetadata("sess-1")
	if err != nil {
		t.Fatalf("metadata failed: %v", err)
	}
	if meta.Summary != "Sum" || meta.WorkingDirectory != "/w" {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if meta.LastAssistantModel != "model-b" {
		t.Errorf("LastAssistantModel = %s", meta.LastAssistantModel)
	}
	if meta.TotalDurationMS != 100 {
		t.Errorf("TotalDurationMS = %d, want 100", meta.TotalDurationMS)
	}
	if meta.MessageCount != 4 {
		t.Errorf("MessageCount = %d, want 4", meta.MessageCount)
	}

	wd, err := h.WorkingDirectoryFor("sess-1")
	if err != nil || wd != "/w" {
		t.Errorf("WorkingDirectoryFor = %s, %v", wd, err)
	}
}

func TestProjectPathEncoding(t *testing.T) {
	if got := EncodeProjectPath("/home/user/project"); got != "-home-user-project" {
		t.Errorf("encode = %s", got)
	}
	if got := DecodeProjectPath("-home-user-project"); got != "/home/user/project" {
		t.Errorf("decode = %s", got)
	}
}
