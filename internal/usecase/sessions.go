package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"chat-relay/internal/domain"
)

const (
	defaultModel = "tinyllama"

	// A session whose pending marker is younger than this is still generating.
	pendingGuard = 55 * time.Second
)

// SessionStore persists sessions keyed by user id and sort key.
type SessionStore interface {
	ListSessions(ctx context.Context, userID int64) ([]domain.Session, error)
	PutSession(ctx context.Context, s domain.Session) error
	SetSessionActive(ctx context.Context, userID int64, sk string, active bool) error
	DeleteSession(ctx context.Context, userID int64, sk string) error
}

// SessionManager owns every mutation of a user's sessions.
//
// Create and Switch deactivate the other sessions before activating the
// target. The sequence is not atomic: two concurrent switches for the same
// user settle on whichever write lands last.
type SessionManager struct {
	store        SessionStore
	defaultModel string
	now          func() time.Time
	log          *slog.Logger
}

func NewSessionManager(store SessionStore, model string, logger *slog.Logger) (*SessionManager, error) {
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModel
	}
	return &SessionManager{
		store:        store,
		defaultModel: model,
		now:          time.Now,
		log:          orDiscard(logger),
	}, nil
}

// DefaultModel is the model assigned to lazily created sessions.
func (m *SessionManager) DefaultModel() string {
	return m.defaultModel
}

// List returns the user's sessions in store order.
func (m *SessionManager) List(ctx context.Context, userID int64) ([]domain.Session, error) {
	sessions, err := m.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, newError(ErrorStoreUnavailable, "session_list_error", err)
	}
	return sessions, nil
}

// GetOrCreateActive returns the active session, creating one with the
// default model when the user has none.
func (m *SessionManager) GetOrCreateActive(ctx context.Context, userID int64) (domain.Session, error) {
	sessions, err := m.List(ctx, userID)
	if err != nil {
		return domain.Session{}, err
	}
	for _, s := range sessions {
		if s.IsActive {
			return s, nil
		}
	}
	m.log.Info("no active session", "action", "get_active_session", "outcome", "not_found", "user_id", userID)
	return m.create(ctx, userID, m.defaultModel, sessions)
}

// Create starts a new empty session and makes it the only active one.
func (m *SessionManager) Create(ctx context.Context, userID int64, model string) (domain.Session, error) {
	if strings.TrimSpace(model) == "" {
		model = m.defaultModel
	}
	sessions, err := m.List(ctx, userID)
	if err != nil {
		return domain.Session{}, err
	}
	return m.create(ctx, userID, model, sessions)
}

func (m *SessionManager) create(ctx context.Context, userID int64, model string, existing []domain.Session) (domain.Session, error) {
	for _, s := range existing {
		if !s.IsActive {
			continue
		}
		if err := m.store.SetSessionActive(ctx, userID, s.SK, false); err != nil {
			return domain.Session{}, newError(ErrorStoreUnavailable, "session_deactivate_error", err)
		}
	}

	id := newUUID()
	s := domain.Session{
		UserID:        userID,
		SK:            domain.SessionSK(model, id),
		SessionID:     id,
		ModelName:     model,
		IsActive:      true,
		Conversation:  []domain.Message{},
		LastMessageTS: m.now().Unix(),
	}
	if err := m.store.PutSession(ctx, s); err != nil {
		return domain.Session{}, newError(ErrorStoreUnavailable, "session_put_error", err)
	}
	m.log.Info("session created", "action", "create_session", "outcome", "success",
		"user_id", userID, "session_id", id, "model", model)
	return s, nil
}

// ParseIndex parses a 1-based list position typed by the user.
func ParseIndex(arg string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return 0, newError(ErrorInvalidInput, "index_not_integer", err)
	}
	if n < 1 {
		return 0, newError(ErrorInvalidInput, "index_not_positive", nil)
	}
	return n, nil
}

func pick[T any](items []T, n int) (T, error) {
	var zero T
	if n < 1 || n > len(items) {
		return zero, newError(ErrorIndexOutOfRange, "index_out_of_range", nil)
	}
	return items[n-1], nil
}

// Switch activates the session at the 1-based position arg and deactivates
// every other session of the user.
func (m *SessionManager) Switch(ctx context.Context, userID int64, arg string) (domain.Session, int, error) {
	n, err := ParseIndex(arg)
	if err != nil {
		return domain.Session{}, 0, err
	}
	sessions, err := m.List(ctx, userID)
	if err != nil {
		return domain.Session{}, 0, err
	}
	target, err := pick(sessions, n)
	if err != nil {
		return domain.Session{}, 0, err
	}

	// Deactivate first so a failure never leaves two active sessions.
	for _, s := range sessions {
		if s.SK == target.SK || !s.IsActive {
			continue
		}
		if err := m.store.SetSessionActive(ctx, userID, s.SK, false); err != nil {
			return domain.Session{}, 0, newError(ErrorStoreUnavailable, "session_deactivate_error", err)
		}
	}
	if err := m.store.SetSessionActive(ctx, userID, target.SK, true); err != nil {
		return domain.Session{}, 0, newError(ErrorStoreUnavailable, "session_activate_error", err)
	}
	target.IsActive = true
	m.log.Info("session switched", "action", "switch_session", "outcome", "success",
		"user_id", userID, "session_id", target.SessionID, "index", n)
	return target, n, nil
}

// Append adds one conversation entry and persists the whole session.
func (m *SessionManager) Append(ctx context.Context, s *domain.Session, role, content string) error {
	ts := m.now().Unix()
	s.Conversation = append(s.Conversation, domain.Message{Role: role, Content: content, TS: ts})
	s.LastMessageTS = ts
	if err := m.store.PutSession(ctx, *s); err != nil {
		return newError(ErrorStoreUnavailable, "session_append_error", err)
	}
	return nil
}

// Busy reports whether a completion for s is still considered in flight at now.
func (m *SessionManager) Busy(s domain.Session, now time.Time) bool {
	if s.PendingRequestTS == 0 {
		return false
	}
	return now.Unix()-s.PendingRequestTS < int64(pendingGuard/time.Second)
}

// BeginPending marks s as generating a response.
func (m *SessionManager) BeginPending(ctx context.Context, s *domain.Session) error {
	s.PendingRequestTS = m.now().Unix()
	if err := m.store.PutSession(ctx, *s); err != nil {
		return newError(ErrorStoreUnavailable, "session_pending_error", err)
	}
	return nil
}

// EndPending clears the pending marker of s.
func (m *SessionManager) EndPending(ctx context.Context, s *domain.Session) error {
	s.PendingRequestTS = 0
	if err := m.store.PutSession(ctx, *s); err != nil {
		return newError(ErrorStoreUnavailable, "session_pending_error", err)
	}
	return nil
}

// Remove deletes a session item. Only archival calls it.
func (m *SessionManager) Remove(ctx context.Context, userID int64, sk string) error {
	if err := m.store.DeleteSession(ctx, userID, sk); err != nil {
		return newError(ErrorStoreUnavailable, "session_delete_error", err)
	}
	return nil
}

var newUUID = func() string {
	return uuid.NewString()
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
