package domain

import "strings"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// SessionSKPrefix marks session items in the shared per-user partition.
	SessionSKPrefix = "MODEL#"
)

// Message is a single persisted conversation entry.
type Message struct {
	Role    string `dynamodbav:"role" json:"role"`
	Content string `dynamodbav:"content" json:"content"`
	TS      int64  `dynamodbav:"ts" json:"ts"`
}

// Session is one conversation thread for one user bound to one backend model.
// Only one session per user is expected to have IsActive set.
type Session struct {
	UserID           int64     `dynamodbav:"pk"`
	SK               string    `dynamodbav:"sk"`
	SessionID        string    `dynamodbav:"session_id"`
	ModelName        string    `dynamodbav:"model_name"`
	IsActive         bool      `dynamodbav:"is_active"`
	Conversation     []Message `dynamodbav:"conversation"`
	LastMessageTS    int64     `dynamodbav:"last_message_ts"`
	PendingRequestTS int64     `dynamodbav:"pending_request_ts"`
}

// SessionSK builds the composite sort key for a session.
func SessionSK(modelName, sessionID string) string {
	return SessionSKPrefix + modelName + "#SESSION#" + sessionID
}

// IsSessionSK reports whether sk belongs to a session item.
func IsSessionSK(sk string) bool {
	return strings.HasPrefix(sk, SessionSKPrefix)
}

// ShortID returns the first eight characters of an identifier for display.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Tail returns at most the last n conversation entries.
func (s *Session) Tail(n int) []Message {
	if n <= 0 || len(s.Conversation) <= n {
		return s.Conversation
	}
	return s.Conversation[len(s.Conversation)-n:]
}
