package claude

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeStub creates an executable shell script standing in for the CLI.
func writeStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude-stub.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("failed to write stub: %v", err)
	}
	return path
}

func shutdownSupervisor(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("supervisor shutdown: %v", err)
	}
}

func nextEvent(t *testing.T, s *Supervisor, timeout time.Duration) StreamEvent {
	t.Helper()
	select {
	case event := <-s.Events():
		return event
	case <-time.After(timeout):
		t.Fatal("timed out waiting for stream event")
		return StreamEvent{}
	}
}

func TestSupervisor_StartReturnsInitAndStreamsRecords(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"system","subtype":"init","session_id":"sess-1"}'
echo '{"type":"assistant","session_id":"sess-1","message":{"role":"assistant"}}'
echo '{"type":"result","session_id":"sess-1"}'
`)
	s := NewSupervisor(stub)
	defer shutdownSupervisor(t, s)

	streamID, initRecord, err := s.StartConversation(context.Background(), StartConfig{
		WorkingDirectory: t.TempDir(),
		InitialPrompt:    "hi",
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if streamID == "" {
		t.Fatal("expected a minted stream id")
	}
	if SessionIDOf(initRecord) != "sess-1" {
		t.Fatalf("unexpected init record: %s", initRecord)
	}

	// All records arrive in stdout order, the init record included, with
	// the closed event strictly last.
	var types []string
	for {
		event := nextEvent(t, s, 3*time.Second)
		if event.StreamID != streamID {
			t.Fatalf("event for wrong stream: %s", event.StreamID)
		}
		if event.Kind == EventClosed {
			if event.ExitCode != 0 {
				t.Errorf("ExitCode = %d, want 0", event.ExitCode)
			}
			break
		}
		if event.Kind == EventMessage {
			types = append(types, envelopeOf(event.Record).Type)
		}
	}
	if len(types) != 3 || types[0] != "system" || types[1] != "assistant" || types[2] != "result" {
		t.Errorf("unexpected record order: %v", types)
	}

	if s.IsActive(streamID) {
		t.Error("stream should be gone after exit")
	}
}

func TestSupervisor_ClosedFollowsAllRecords(t *testing.T) {
	// The subprocess stalls after init, then floods its remaining output
	// and exits. Every record must still come off the event channel before
	// the closed event.
	stub := writeStub(t, `
echo '{"type":"system","subtype":"init","session_id":"sess-1"}'
sleep 0.3
i=0
while [ $i -lt 50 ]; do
  echo '{"type":"assistant","session_id":"sess-1","message":{"role":"assistant"}}'
  i=$((i+1))
done
`)
	s := NewSupervisor(stub)
	defer shutdownSupervisor(t, s)

	streamID, _, err := s.StartConversation(context.Background(), StartConfig{
		WorkingDirectory: t.TempDir(),
		InitialPrompt:    "hi",
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	records := 0
	for {
		event := nextEvent(t, s, 10*time.Second)
		if event.StreamID != streamID {
			t.Fatalf("event for wrong stream: %s", event.StreamID)
		}
		switch event.Kind {
		case EventMessage:
			records++
		case EventClosed:
			if records != 51 {
				t.Fatalf("closed arrived after %d of 51 records", records)
			}
			return
		}
	}
}

func TestSupervisor_EarlyExitIsSpawnFailure(t *testing.T) {
	stub := writeStub(t, `exit 3`)
	s := NewSupervisor(stub)
	defer shutdownSupervisor(t, s)

	_, _, err := s.StartConversation(context.Background(), StartConfig{
		WorkingDirectory: t.TempDir(),
		InitialPrompt:    "hi",
	})
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "3") {
		t.Errorf("error should mention the exit code: %v", err)
	}

	// A failed spawn produces no events.
	select {
	case event := <-s.Events():
		t.Errorf("unexpected event: %+v", event)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSupervisor_ExecutableNotFound(t *testing.T) {
	s := NewSupervisor("definitely-not-a-real-binary-name")
	defer shutdownSupervisor(t, s)

	_, _, err := s.StartConversation(context.Background(), StartConfig{
		WorkingDirectory: t.TempDir(),
		InitialPrompt:    "hi",
	})
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
}

func TestSupervisor_StopStagesAndIsIdempotent(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"system","subtype":"init","session_id":"sess-1"}'
exec sleep 30
`)
	s := NewSupervisor(stub)
	defer shutdownSupervisor(t, s)

	streamID, _, err := s.StartConversation(context.Background(), StartConfig{
		WorkingDirectory: t.TempDir(),
		InitialPrompt:    "hi",
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if !s.StopConversation(streamID) {
		t.Fatal("first stop should succeed")
	}
	if s.StopConversation(streamID) {
		t.Error("second stop should report unknown stream")
	}
	if s.StopConversation("no-such-stream") {
		t.Error("stopping an unknown stream should return false")
	}

	deadline := time.After(8 * time.Second)
	for {
		select {
		case event := <-s.Events():
			if event.Kind != EventClosed {
				continue
			}
			if event.StreamID != streamID {
				t.Errorf("closed for wrong stream: %s", event.StreamID)
			}
			return
		case <-deadline:
			t.Fatal("stream did not close after stop")
		}
	}
}

func TestSupervisor_MalformedLineBecomesErrorEvent(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"system","subtype":"init","session_id":"sess-1"}'
echo 'this is not json'
echo '{"type":"result","session_id":"sess-1"}'
`)
	s := NewSupervisor(stub)
	defer shutdownSupervisor(t, s)

	streamID, _, err := s.StartConversation(context.Background(), StartConfig{
		WorkingDirectory: t.TempDir(),
		InitialPrompt:    "hi",
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// The stream keeps going: the error event for the bad line arrives and
	// the record after it still gets delivered.
	sawError := false
	sawResult := false
	for !sawError || !sawResult {
		event := nextEvent(t, s, 3*time.Second)
		switch event.Kind {
		case EventError:
			if event.StreamID != streamID {
				t.Fatalf("error for wrong stream: %s", event.StreamID)
			}
			if !strings.Contains(event.Reason, "parse error") {
				t.Fatalf("unexpected error reason: %s", event.Reason)
			}
			sawError = true
		case EventMessage:
			if envelopeOf(event.Record).Type == "result" {
				sawResult = true
			}
		case EventClosed:
			t.Fatalf("closed before error and result: error=%v result=%v", sawError, sawResult)
		}
	}
}

func TestSupervisor_StderrBecomesErrorEvents(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"system","subtype":"init","session_id":"sess-1"}'
echo 'something went sideways' >&2
`)
	s := NewSupervisor(stub)
	defer shutdownSupervisor(t, s)

	if _, _, err := s.StartConversation(context.Background(), StartConfig{
		WorkingDirectory: t.TempDir(),
		InitialPrompt:    "hi",
	}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case event := <-s.Events():
			if event.Kind != EventError {
				continue
			}
			if event.Reason != "something went sideways" {
				t.Errorf("unexpected stderr forward: %q", event.Reason)
			}
			return
		case <-deadline:
			t.Fatal("stderr line was not forwarded")
		}
	}
}

func TestSupervisor_BuildArgs(t *testing.T) {
	s := NewSupervisor("claude")
	s.SetMCPConfigPath("/tmp/mcp.json")

	args := s.buildArgs(StartConfig{
		InitialPrompt:   "do the thing",
		ResumeSessionID: "sess-0",
		Model:           "opus",
		AllowedTools:    []string{"Bash", "Read"},
		PermissionMode:  "plan",
		MaxTurns:        5,
		AddDirs:         []string{"/extra"},
	})

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-p do the thing",
		"--output-format stream-json",
		"--verbose",
		"--resume sess-0",
		"--model opus",
		"--allowedTools Bash,Read",
		"--permission-mode plan",
		"--max-turns 5",
		"--add-dir /extra",
		"--mcp-config /tmp/mcp.json",
		"--permission-prompt-tool " + PermissionPromptTool,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv missing %q: %s", want, joined)
		}
	}
}
