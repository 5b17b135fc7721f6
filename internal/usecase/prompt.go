package usecase

import (
	"strings"

	"chat-relay/internal/domain"
)

// contextMessages converts the last n complete conversation entries into the
// chat shape sent to the model. Incomplete entries are dropped before the
// window is applied.
func contextMessages(history []domain.Message, n int) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Role == "" || m.Content == "" {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	if n > 0 && len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	return messages
}

// truncateRunes shortens s to at most n runes, marking the cut with "...".
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// splitMessage cuts text into pieces of at most limit runes, preferring to
// break after a newline in the second half of a piece. It always returns at
// least one piece.
func splitMessage(text string, limit int) []string {
	r := []rune(text)
	if limit <= 0 || len(r) <= limit {
		return []string{text}
	}
	var out []string
	for len(r) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if r[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	return strings.ToUpper(string(r[0])) + string(r[1:])
}
