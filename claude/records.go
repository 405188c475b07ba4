package claude

import "encoding/json"

// recordEnvelope holds the only fields the core ever routes on.
// Everything else in a record is pass-through.
type recordEnvelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

// envelopeOf extracts routing fields from a raw record.
// Malformed records decode to a zero envelope.
func envelopeOf(record json.RawMessage) recordEnvelope {
	var env recordEnvelope
	_ = json.Unmarshal(record, &env)
	return env
}

// isSystemInit reports whether a record is the subprocess's init record.
// Init records are returned from the start/resume call and dropped at the
// broadcast boundary.
func isSystemInit(record json.RawMessage) bool {
	env := envelopeOf(record)
	return env.Type == "system" && env.Subtype == "init"
}

// SessionIDOf extracts the session_id a record carries, if any.
func SessionIDOf(record json.RawMessage) string {
	return envelopeOf(record).SessionID
}

// logEntry is one line of an on-disk conversation file. The first non-empty
// line may be a summary record; message entries carry an envelope with cwd
// and timing alongside the nested message payload.
type logEntry struct {
	Type       string          `json:"type"`
	Summary    string          `json:"summary,omitempty"`
	CWD        string          `json:"cwd,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	DurationMS int64           `json:"durationMs,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
}

// assistantModel extracts the declared model from an assistant entry's
// message payload. Empty for non-assistant entries.
func (e *logEntry) assistantModel() string {
	if e.Type != "assistant" || len(e.Message) == 0 {
		return ""
	}
	var payload struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(e.Message, &payload)
	return payload.Model
}
