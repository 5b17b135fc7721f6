package telegram

import "chat-relay/internal/domain"

// apiResponse is the envelope of every Bot API reply.
type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Update is the Bot API update object, reduced to the fields the relay reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64     `json:"message_id"`
	From      *User     `json:"from,omitempty"`
	Chat      *Chat     `json:"chat,omitempty"`
	Text      string    `json:"text,omitempty"`
	Document  *Document `json:"document,omitempty"`
}

type User struct {
	ID int64 `json:"id"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type file struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

// Domain converts the wire update. The sender id falls back to the chat id.
func (u Update) Domain() domain.Update {
	out := domain.Update{UpdateID: u.UpdateID}
	m := u.Message
	if m == nil {
		return out
	}
	out.HasMessage = true
	out.Text = m.Text
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
		out.UserID = m.Chat.ID
	}
	if m.From != nil && m.From.ID != 0 {
		out.UserID = m.From.ID
	}
	if m.Document != nil {
		out.Document = &domain.Document{
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			MimeType: m.Document.MimeType,
		}
	}
	return out
}
