package api

import (
	"encoding/json"
	"testing"

	"github.com/xiaoyuanzhu-com/claude-console/server"
)

func TestStartResponse_SpreadsInitRecord(t *testing.T) {
	result := &server.StartResult{
		StreamID:   "stream-1",
		SessionID:  "sess-1",
		InitRecord: json.RawMessage(`{"type":"system","subtype":"init","session_id":"sess-1","model":"claude-opus-4","tools":["Bash"]}`),
	}

	resp := startResponse(result)

	if resp["streamingId"] != "stream-1" {
		t.Errorf("streamingId = %v", resp["streamingId"])
	}
	if resp["sessionId"] != "sess-1" {
		t.Errorf("sessionId = %v", resp["sessionId"])
	}
	if resp["streamUrl"] != "/api/stream/stream-1" {
		t.Errorf("streamUrl = %v", resp["streamUrl"])
	}

	// Init record fields sit at the top level, not nested.
	if resp["type"] != "system" || resp["subtype"] != "init" {
		t.Errorf("init fields not spread: %v", resp)
	}
	if resp["model"] != "claude-opus-4" {
		t.Errorf("model = %v", resp["model"])
	}
	if _, nested := resp["init"]; nested {
		t.Error("init record must not be nested")
	}
}

func TestStartResponse_MalformedInitRecord(t *testing.T) {
	result := &server.StartResult{
		StreamID:   "stream-1",
		SessionID:  "sess-1",
		InitRecord: json.RawMessage(`[]`),
	}

	resp := startResponse(result)
	if resp["streamingId"] != "stream-1" || resp["streamUrl"] != "/api/stream/stream-1" {
		t.Errorf("routing fields missing: %v", resp)
	}
}
