package domain

// Document is a file attached to an inbound message.
type Document struct {
	FileID   string
	FileName string
	MimeType string
}

// Update is one inbound event from the messaging platform. It is never
// persisted; only UpdateID is kept by the dedup ledger.
type Update struct {
	UpdateID   int64
	HasMessage bool
	ChatID     int64
	UserID     int64
	Text       string
	Document   *Document
}
