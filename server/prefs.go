package server

import (
	"github.com/xiaoyuanzhu-com/claude-console/claude"
	"github.com/xiaoyuanzhu-com/claude-console/db"
)

// prefsStore adapts the db package to the history index's PreferenceStore.
// Keeps the claude package free of a database dependency.
type prefsStore struct{}

func (prefsStore) AllPrefs() (map[string]claude.ConversationPrefs, error) {
	rows, err := db.GetAllConversationPrefs()
	if err != nil {
		return nil, err
	}
	out := make(map[string]claude.ConversationPrefs, len(rows))
	for sessionID, prefs := range rows {
		out[sessionID] = claude.ConversationPrefs{
			Archived:              prefs.Archived,
			Pinned:                prefs.Pinned,
			CustomName:            prefs.CustomName,
			ContinuationSessionID: prefs.ContinuationSessionID,
		}
	}
	return out, nil
}
