package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"chat-relay/internal/domain"
)

// ArchiveStore keeps immutable archive records per user.
type ArchiveStore interface {
	PutArchive(ctx context.Context, rec domain.ArchiveRecord) (string, error)
	ListArchives(ctx context.Context, userID int64) ([]domain.ArchiveSummary, error)
	GetArchive(ctx context.Context, userID int64, sessionID string) (domain.ArchiveRecord, error)
}

// SessionRemover deletes a live session once it is safely archived.
type SessionRemover interface {
	Remove(ctx context.Context, userID int64, sk string) error
}

type ArchiveManager struct {
	store    ArchiveStore
	sessions SessionRemover
	now      func() time.Time
	log      *slog.Logger
}

// ArchiveResult describes a written archive. Key is set whenever the archive
// object exists, including on PartialFailure.
type ArchiveResult struct {
	Key          string
	SessionID    string
	ModelName    string
	MessageCount int
}

func NewArchiveManager(store ArchiveStore, sessions SessionRemover, logger *slog.Logger) (*ArchiveManager, error) {
	if store == nil {
		return nil, errors.New("usecase: archive store must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session remover must not be nil")
	}
	return &ArchiveManager{store: store, sessions: sessions, now: time.Now, log: orDiscard(logger)}, nil
}

func (m *ArchiveManager) timestamp() string {
	return m.now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// Archive writes s to the archive and then removes it from the session store.
// The archive is written first so a failed delete never loses data; that
// case returns a PartialFailure alongside a populated result.
func (m *ArchiveManager) Archive(ctx context.Context, userID int64, s domain.Session) (ArchiveResult, error) {
	if strings.TrimSpace(s.SessionID) == "" {
		return ArchiveResult{}, newError(ErrorInvalidInput, "session_missing_id", nil)
	}
	model := s.ModelName
	if model == "" {
		model = "unknown"
	}
	conv := s.Conversation
	if conv == nil {
		conv = []domain.Message{}
	}
	rec := domain.ArchiveRecord{
		UserID:         userID,
		SessionID:      s.SessionID,
		ModelName:      model,
		Conversation:   conv,
		OriginalSK:     s.SK,
		LastMessageTS:  s.LastMessageTS,
		ArchivedAt:     m.timestamp(),
		ArchiveVersion: domain.ArchiveVersion,
	}

	key, err := m.store.PutArchive(ctx, rec)
	if err != nil {
		m.log.Error("archive write failed", "action", "archive_session", "outcome", "failure",
			"session_id", s.SessionID, "error", err)
		return ArchiveResult{}, newError(ErrorStoreUnavailable, "archive_write_error", err)
	}
	res := ArchiveResult{Key: key, SessionID: s.SessionID, ModelName: model, MessageCount: len(conv)}

	if err := m.sessions.Remove(ctx, userID, s.SK); err != nil {
		m.log.Error("archived session not removed", "action", "delete_session", "outcome", "failure",
			"session_id", s.SessionID, "key", key, "error", err)
		return res, newError(ErrorPartialFailure, "archive_delete_error", err)
	}
	m.log.Info("session archived", "action", "archive_session", "outcome", "success",
		"session_id", s.SessionID, "key", key)
	return res, nil
}

// List returns the user's archives in key order.
func (m *ArchiveManager) List(ctx context.Context, userID int64) ([]domain.ArchiveSummary, error) {
	out, err := m.store.ListArchives(ctx, userID)
	if err != nil {
		return nil, newError(ErrorStoreUnavailable, "archive_list_error", err)
	}
	return out, nil
}

// Retrieve loads one archive. A missing object is NotFound; anything else is
// StoreUnavailable.
func (m *ArchiveManager) Retrieve(ctx context.Context, userID int64, sessionID string) (domain.ArchiveRecord, error) {
	rec, err := m.store.GetArchive(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			m.log.Warn("archive not found", "action", "get_archive", "outcome", "not_found", "session_id", sessionID)
			return domain.ArchiveRecord{}, newError(ErrorNotFound, "archive_not_found", err)
		}
		return domain.ArchiveRecord{}, newError(ErrorStoreUnavailable, "archive_read_error", err)
	}
	return rec, nil
}

// importPayload is the accepted upload shape. Only conversation is required;
// the other fields accept either a JSON string or a number.
type importPayload struct {
	SessionID     json.RawMessage `json:"session_id"`
	UserID        json.RawMessage `json:"user_id"`
	ModelName     json.RawMessage `json:"model_name"`
	Conversation  json.RawMessage `json:"conversation"`
	LastMessageTS json.RawMessage `json:"last_message_ts"`
	ArchivedAt    json.RawMessage `json:"archived_at"`
}

type importMessage struct {
	Role    json.RawMessage `json:"role"`
	Content json.RawMessage `json:"content"`
	TS      json.RawMessage `json:"ts"`
}

// ImportResult describes an archive created from an upload.
type ImportResult struct {
	SessionID     string
	Key           string
	OriginalModel string
	MessageCount  int
}

// Import stores an uploaded archive under a fresh session id owned by userID.
// The live session store is never touched.
func (m *ArchiveManager) Import(ctx context.Context, userID int64, payload []byte) (ImportResult, error) {
	var in importPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return ImportResult{}, newError(ErrorInvalidFormat, "import_invalid_json", err)
	}
	if len(in.Conversation) == 0 || string(in.Conversation) == "null" {
		return ImportResult{}, newError(ErrorInvalidFormat, "import_missing_conversation", nil)
	}
	var entries []importMessage
	if err := json.Unmarshal(in.Conversation, &entries); err != nil {
		return ImportResult{}, newError(ErrorInvalidFormat, "import_invalid_conversation", err)
	}
	conv := make([]domain.Message, 0, len(entries))
	for _, e := range entries {
		conv = append(conv, domain.Message{Role: rawText(e.Role), Content: rawText(e.Content), TS: rawInt(e.TS)})
	}
	modelName := rawText(in.ModelName)

	now := m.timestamp()
	rec := domain.ArchiveRecord{
		UserID:            userID,
		SessionID:         newUUID(),
		ModelName:         orDefault(modelName, "imported"),
		Conversation:      conv,
		OriginalSessionID: rawIdentifier(in.SessionID),
		OriginalUserID:    rawIdentifier(in.UserID),
		LastMessageTS:     rawInt(in.LastMessageTS),
		ArchivedAt:        orDefault(rawText(in.ArchivedAt), now),
		ImportedAt:        now,
		ArchiveVersion:    domain.ArchiveVersion,
	}
	key, err := m.store.PutArchive(ctx, rec)
	if err != nil {
		return ImportResult{}, newError(ErrorStoreUnavailable, "import_write_error", err)
	}
	m.log.Info("archive imported", "action", "import_archive", "outcome", "success",
		"session_id", rec.SessionID, "key", key)
	return ImportResult{
		SessionID:     rec.SessionID,
		Key:           key,
		OriginalModel: orDefault(modelName, "unknown"),
		MessageCount:  len(conv),
	}, nil
}

// rawIdentifier renders a JSON number or string id as text.
func rawIdentifier(raw json.RawMessage) string {
	return orDefault(rawText(raw), "unknown")
}

// rawText returns a JSON string's value, or the literal text of any other
// scalar. Absent and null values are "".
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// rawInt reads a JSON number or numeric string as a whole number, truncating
// fractions. Anything unparsable is 0.
func rawInt(raw json.RawMessage) int64 {
	text := strings.TrimSpace(rawText(raw))
	if text == "" {
		return 0
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return int64(f)
	}
	return 0
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
