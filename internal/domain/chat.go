package domain

// ChatMessage is the provider-agnostic chat message shape sent to the
// completion backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
