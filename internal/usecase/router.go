package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"chat-relay/internal/domain"
)

const (
	defaultMaxMessageLength = 4000
	defaultContextWindow    = 10
	defaultHistoryWindow    = 5
	defaultChatTimeout      = 45 * time.Second
)

// DedupLedger atomically checks and records an update id. ClaimUpdate
// returns false when the id was already recorded.
type DedupLedger interface {
	ClaimUpdate(ctx context.Context, updateID int64) (bool, error)
}

// Messenger delivers replies to the messaging platform.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, fileName string, content []byte, caption string) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// LLMClient is the completion backend.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	ListModels(ctx context.Context) ([]string, error)
}

type RouterConfig struct {
	MaxMessageLength int
	ContextWindow    int
	HistoryWindow    int
	ChatTimeout      time.Duration
	// BackendEndpoint is shown by /status.
	BackendEndpoint string
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = defaultMaxMessageLength
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = defaultContextWindow
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = defaultHistoryWindow
	}
	if c.ChatTimeout <= 0 {
		c.ChatTimeout = defaultChatTimeout
	}
	return c
}

// Result is the outcome of routing one update.
type Result struct {
	Processed bool   `json:"processed"`
	Reason    string `json:"reason,omitempty"`
	UpdateID  int64  `json:"update_id,omitempty"`
	Handled   string `json:"handled,omitempty"`
	Text      string `json:"text,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
}

// Router gates updates through the dedup ledger and dispatches them to
// commands, the chat pipeline or the archive import.
type Router struct {
	ledger    DedupLedger
	sessions  *SessionManager
	archives  *ArchiveManager
	messenger Messenger
	llm       LLMClient
	cfg       RouterConfig
	now       func() time.Time
	log       *slog.Logger
}

func NewRouter(ledger DedupLedger, sessions *SessionManager, archives *ArchiveManager, messenger Messenger, llm LLMClient, cfg RouterConfig, logger *slog.Logger) (*Router, error) {
	if ledger == nil {
		return nil, errors.New("usecase: dedup ledger must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session manager must not be nil")
	}
	if archives == nil {
		return nil, errors.New("usecase: archive manager must not be nil")
	}
	if messenger == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	return &Router{
		ledger:    ledger,
		sessions:  sessions,
		archives:  archives,
		messenger: messenger,
		llm:       llm,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		log:       orDiscard(logger),
	}, nil
}

// request carries one update through the handlers.
type request struct {
	update domain.Update
	log    *slog.Logger
}

// Route processes a single update. It never panics; a fault inside a handler
// is logged and reported as handled "internal_error".
func (r *Router) Route(ctx context.Context, u domain.Update) (res Result) {
	if !u.HasMessage {
		r.log.Warn("update without message", "action", "process_update", "outcome", "skipped", "update_id", u.UpdateID)
		return Result{Processed: false, Reason: "no_message"}
	}
	log := r.log.With("update_id", u.UpdateID, "user_id", u.UserID, "chat_id", u.ChatID)
	if u.ChatID == 0 {
		log.Warn("update without chat id", "action", "process_update", "outcome", "skipped")
		return Result{Processed: false, Reason: "no_chat_id"}
	}

	claimed, err := r.ledger.ClaimUpdate(ctx, u.UpdateID)
	switch {
	case err != nil:
		log.Warn("dedup ledger unavailable, processing anyway", "action", "process_update", "outcome", "warning", "error", err)
	case !claimed:
		log.Info("duplicate update", "action", "process_update", "outcome", "skipped")
		return Result{Processed: false, Reason: "duplicate"}
	}

	text := u.Text
	if text == "" && u.Document != nil {
		text = "(document)"
	}
	res = Result{Processed: true, UpdateID: u.UpdateID, Text: text, UserID: u.UserID}

	defer func() {
		if p := recover(); p != nil {
			log.Error("panic while handling update", "action", "process_update", "outcome", "failure",
				"panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			res.Handled = "internal_error"
		}
	}()

	req := request{update: u, log: log}
	res.Handled = r.handle(ctx, req)
	log.Info("update handled", "action", "process_update", "outcome", "success", "handled", res.Handled)
	return res
}

func (r *Router) handle(ctx context.Context, req request) string {
	u := req.update
	if u.Document != nil {
		return r.handleDocument(ctx, req, *u.Document)
	}

	text := strings.TrimSpace(u.Text)
	if text == "" {
		r.reply(ctx, req, replyNoText)
		return "no_text"
	}
	if n := utf8.RuneCountInString(text); n > r.cfg.MaxMessageLength {
		r.reply(ctx, req, fmt.Sprintf("Message too long (%d chars). Max is %d.", n, r.cfg.MaxMessageLength))
		return "message_too_long"
	}

	if strings.HasPrefix(text, "/") {
		cmd, payload := parseCommand(text)
		return r.handleCommand(ctx, req, cmd, payload)
	}
	return r.handleChat(ctx, req, text)
}

// parseCommand splits "/Cmd@bot rest" into ("/cmd", "rest").
func parseCommand(text string) (string, string) {
	token, payload := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		token, payload = text[:i], strings.TrimSpace(text[i:])
	}
	if i := strings.Index(token, "@"); i >= 0 {
		token = token[:i]
	}
	return strings.ToLower(token), payload
}

// maxOutboundRunes is the platform's per-message text limit.
const maxOutboundRunes = 4096

// reply sends text, split into as many messages as the platform limit
// requires, and returns the id of the first one, or 0 when it was not delivered.
func (r *Router) reply(ctx context.Context, req request, text string) int64 {
	var first int64
	for i, chunk := range splitMessage(text, maxOutboundRunes) {
		id, err := r.messenger.SendMessage(ctx, req.update.ChatID, chunk)
		if err != nil {
			req.log.Error("send message failed", "action", "send_message", "outcome", "failure", "chunk", i, "error", err)
			continue
		}
		if i == 0 {
			first = id
		}
	}
	return first
}

func reasonOf(err error) string {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return ""
}
