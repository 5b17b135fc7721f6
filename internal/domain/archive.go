package domain

import "time"

// ArchiveVersion is written into every archive record.
const ArchiveVersion = "1.0"

// ArchiveRecord is an immutable snapshot of a session stored in the archive.
type ArchiveRecord struct {
	UserID            int64     `json:"user_id"`
	SessionID         string    `json:"session_id"`
	ModelName         string    `json:"model_name"`
	Conversation      []Message `json:"conversation"`
	OriginalSK        string    `json:"original_sk,omitempty"`
	OriginalSessionID string    `json:"original_session_id,omitempty"`
	OriginalUserID    string    `json:"original_user_id,omitempty"`
	LastMessageTS     int64     `json:"last_message_ts"`
	ArchivedAt        string    `json:"archived_at"`
	ImportedAt        string    `json:"imported_at,omitempty"`
	ArchiveVersion    string    `json:"archive_version"`
}

// Imported reports whether the record was created by an import.
func (r ArchiveRecord) Imported() bool {
	return r.ImportedAt != ""
}

// ArchiveSummary describes a stored archive without loading its body.
type ArchiveSummary struct {
	SessionID    string
	Key          string
	Size         int64
	LastModified time.Time
}
