package moderation

// Flag records a message rejected by the filter. It is published for
// auditing; the offense count drives account blocking.
type Flag struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId,omitempty"`
	Reason         string `json:"reason"`
	Term           string `json:"term"`
	Offenses       int    `json:"offenses"`
	BlockedFor     int64  `json:"blockedForMs,omitempty"` // account block applied, 0 if none
	Ts             int64  `json:"ts"`
}
