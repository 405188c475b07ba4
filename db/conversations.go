package db

import (
	"database/sql"
)

// ConversationPrefs holds the persisted per-session user preferences
type ConversationPrefs struct {
	SessionID             string
	Archived              bool
	Pinned                bool
	CustomName            string
	ContinuationSessionID string
	UpdatedAt             string
}

// SetConversationArchived marks a conversation as archived or unarchived
func SetConversationArchived(sessionID string, archived bool) error {
	_, err := Run(
		`INSERT INTO conversation_prefs (session_id, archived, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET archived = excluded.archived, updated_at = excluded.updated_at`,
		sessionID, boolToInt(archived), NowUTC(),
	)
	return err
}

// SetConversationPinned marks a conversation as pinned or unpinned
func SetConversationPinned(sessionID string, pinned bool) error {
	_, err := Run(
		`INSERT INTO conversation_prefs (session_id, pinned, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET pinned = excluded.pinned, updated_at = excluded.updated_at`,
		sessionID, boolToInt(pinned), NowUTC(),
	)
	return err
}

// SetConversationName stores a custom display name for a conversation
func SetConversationName(sessionID, customName string) error {
	_, err := Run(
		`INSERT INTO conversation_prefs (session_id, custom_name, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET custom_name = excluded.custom_name, updated_at = excluded.updated_at`,
		sessionID, customName, NowUTC(),
	)
	return err
}

// SetConversationContinuation records the session that continues this one
func SetConversationContinuation(sessionID, continuationSessionID string) error {
	_, err := Run(
		`INSERT INTO conversation_prefs (session_id, continuation_session_id, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET continuation_session_id = excluded.continuation_session_id, updated_at = excluded.updated_at`,
		sessionID, continuationSessionID, NowUTC(),
	)
	return err
}

// GetAllConversationPrefs returns preferences for every conversation keyed by session ID
func GetAllConversationPrefs() (map[string]ConversationPrefs, error) {
	rows, err := Select(
		`SELECT session_id, archived, pinned, custom_name, continuation_session_id, updated_at
		 FROM conversation_prefs`,
		nil,
		scanPrefsRows,
	)
	if err != nil {
		return nil, err
	}
	result := make(map[string]ConversationPrefs, len(rows))
	for _, prefs := range rows {
		result[prefs.SessionID] = prefs
	}
	return result, nil
}

func scanPrefsRows(rows *sql.Rows) (ConversationPrefs, error) {
	var prefs ConversationPrefs
	var archived, pinned int
	err := rows.Scan(&prefs.SessionID, &archived, &pinned, &prefs.CustomName, &prefs.ContinuationSessionID, &prefs.UpdatedAt)
	prefs.Archived = archived != 0
	prefs.Pinned = pinned != 0
	return prefs, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
