package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chat-relay/internal/domain"
)

const (
	replyNoText           = "No text received."
	replyUnknownCommand   = "Unknown command. Send /help for available commands."
	replyStoreUnavailable = "Storage is temporarily unavailable. Please try again."
	replyEchoUsage        = "Usage: /echo <text>"
	replySwitchUsage      = "Usage: /switch <number> (e.g., /switch 1)"
	replySwitchInvalid    = "Invalid session number. Use /listsessions."
	replyNoSessions       = "No sessions yet. Start chatting or use /newsession."
	replyNoHistory        = "No messages in this session yet."
	replyNothingToArchive = "No sessions to archive. Start chatting first!"
	replyArchiveUsage     = "Usage: /archive <number> (e.g., /archive 1)"
	replyArchiveInvalid   = "Invalid session number. Use /archive to see available sessions."
	replyArchiveFailed    = "Failed to archive session to S3. Please try again."
	replyArchivePartial   = "Session saved to S3 but failed to remove from active storage."
	replyNoArchives       = "No archived sessions yet. Use /archive to archive a session."
	replyListArchivesFail = "Failed to list archives. Please try again."
	replyExportUsage      = "Usage: /export <number> (e.g., /export 1)"
	replyExportNoNumber   = replyExportUsage + "\nUse /listarchives to see available archives."
	replyNothingToExport  = "No archived sessions to export. Use /archive first."
	replyExportInvalid    = "Invalid archive number. Use /listarchives to see available archives."
	replyExportNotFound   = "Archive not found. Use /listarchives to see available archives."
	replyExportRetrieve   = "Failed to retrieve archive. Please try again."
	replyExportSendFailed = "Failed to send archive file. Please try again."
	replyExported         = "Archive exported! You can send this file back to import it later."
)

const helpText = `Commands:
/start or /hello - Greeting and session init
/newsession - Start a new chat session
/listsessions - List your sessions
/switch <number> - Switch to a session (e.g., /switch 1)
/history - Show recent messages in current session
/status - Check system and Ollama status
/echo <text> - Echo back text

Archive Commands:
/archive - List sessions to archive
/archive <number> - Archive a specific session to S3
/listarchives - List your archived sessions
/export <number> - Export an archive as a file
(Send a JSON file to import an archive)

Send any text message to chat with the AI model.`

func (r *Router) handleCommand(ctx context.Context, req request, cmd, payload string) string {
	req.log.Info("command received", "action", "handle_command", "outcome", "success", "command", cmd)
	uid := req.update.UserID

	switch cmd {
	case "/start", "/hello":
		s, err := r.sessions.GetOrCreateActive(ctx, uid)
		if err != nil {
			return r.storeFailure(ctx, req, "start", err)
		}
		r.reply(ctx, req, fmt.Sprintf("Hello! Your current model is %s. Chat away or use /help.", s.ModelName))
		return "start_or_hello"

	case "/help":
		r.reply(ctx, req, helpText)
		return "help"

	case "/status":
		return r.status(ctx, req)

	case "/newsession":
		s, err := r.sessions.Create(ctx, uid, "")
		if err != nil {
			return r.storeFailure(ctx, req, "newsession", err)
		}
		r.reply(ctx, req, fmt.Sprintf("New session created with model '%s' (ID: %s).", s.ModelName, domain.ShortID(s.SessionID)))
		return "newsession"

	case "/listsessions":
		sessions, err := r.sessions.List(ctx, uid)
		if err != nil {
			return r.storeFailure(ctx, req, "listsessions", err)
		}
		if len(sessions) == 0 {
			r.reply(ctx, req, replyNoSessions)
			return "no_sessions"
		}
		r.reply(ctx, req, "Your sessions:\n"+formatSessions(sessions, "Last: "))
		return "listsessions"

	case "/switch":
		s, n, err := r.sessions.Switch(ctx, uid, payload)
		switch reasonOf(err) {
		case "index_not_integer":
			r.reply(ctx, req, replySwitchUsage)
			return "invalid_switch"
		case "index_not_positive", "index_out_of_range":
			r.reply(ctx, req, replySwitchInvalid)
			return "invalid_switch"
		}
		if err != nil {
			return r.storeFailure(ctx, req, "switch", err)
		}
		r.reply(ctx, req, fmt.Sprintf("Switched to session %d (model: %s).", n, s.ModelName))
		return "switch"

	case "/history":
		return r.history(ctx, req)

	case "/echo":
		if payload == "" {
			payload = replyEchoUsage
		}
		r.reply(ctx, req, payload)
		return "echo"

	case "/archive":
		return r.archive(ctx, req, payload)

	case "/listarchives":
		return r.listArchives(ctx, req)

	case "/export":
		return r.export(ctx, req, payload)
	}

	r.reply(ctx, req, replyUnknownCommand)
	return "unknown"
}

func (r *Router) storeFailure(ctx context.Context, req request, op string, err error) string {
	req.log.Error("store operation failed", "action", "handle_command", "outcome", "failure", "command", op, "error", err)
	r.reply(ctx, req, replyStoreUnavailable)
	return op + "_store_error"
}

func (r *Router) status(ctx context.Context, req request) string {
	backend := "unknown"
	models, err := r.llm.ListModels(ctx)
	switch {
	case err == nil && len(models) == 0:
		backend = "connected, models: none loaded"
	case err == nil:
		backend = "connected, models: " + strings.Join(models, ", ")
	default:
		if code, ok := upstreamStatusCode(err); ok {
			backend = fmt.Sprintf("error (HTTP %d)", code)
		} else {
			backend = "unreachable (instance may be stopped)"
		}
	}
	r.reply(ctx, req, fmt.Sprintf("Bot: running on AWS\nOllama: %s\nEndpoint: %s", backend, r.cfg.BackendEndpoint))
	req.log.Info("status check", "action", "handle_command", "outcome", "success", "ollama_status", backend)
	return "status"
}

func (r *Router) history(ctx context.Context, req request) string {
	s, err := r.sessions.GetOrCreateActive(ctx, req.update.UserID)
	if err != nil {
		return r.storeFailure(ctx, req, "history", err)
	}
	tail := s.Tail(r.cfg.HistoryWindow)
	if len(tail) == 0 {
		r.reply(ctx, req, replyNoHistory)
		return "no_history"
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, m := range tail {
		role := m.Role
		if role == "" {
			role = "unknown"
		}
		fmt.Fprintf(&b, "%s (%s): %s\n", capitalize(role), formatClock(m.TS), truncateRunes(m.Content, 100))
	}
	r.reply(ctx, req, b.String())
	return "history"
}

func (r *Router) archive(ctx context.Context, req request, payload string) string {
	uid := req.update.UserID
	sessions, err := r.sessions.List(ctx, uid)
	if err != nil {
		return r.storeFailure(ctx, req, "archive", err)
	}
	if len(sessions) == 0 {
		r.reply(ctx, req, replyNothingToArchive)
		return "no_sessions_to_archive"
	}
	if payload == "" {
		r.reply(ctx, req, "Sessions available to archive:\n"+formatSessions(sessions, "")+
			"\nUse /archive <number> to archive a session (e.g., /archive 1)")
		return "list_for_archive"
	}

	n, err := ParseIndex(payload)
	if reasonOf(err) == "index_not_integer" {
		r.reply(ctx, req, replyArchiveUsage)
		return "invalid_archive_format"
	}
	target, err := pick(sessions, n)
	if err != nil {
		r.reply(ctx, req, replyArchiveInvalid)
		return "invalid_archive_number"
	}

	res, err := r.archives.Archive(ctx, uid, target)
	switch CodeOf(err) {
	case ErrorPartialFailure:
		r.reply(ctx, req, replyArchivePartial)
		return "archive_cleanup_error"
	case "":
	default:
		r.reply(ctx, req, replyArchiveFailed)
		return "archive_s3_error"
	}
	r.reply(ctx, req, fmt.Sprintf("Session archived successfully!\n- Model: %s\n- Messages: %d\n- Archive ID: %s\n\nUse /listarchives to see your archives.",
		res.ModelName, res.MessageCount, domain.ShortID(res.SessionID)))
	return "archived"
}

func (r *Router) listArchives(ctx context.Context, req request) string {
	archives, err := r.archives.List(ctx, req.update.UserID)
	if err != nil {
		req.log.Error("list archives failed", "action", "list_archives", "outcome", "failure", "error", err)
		r.reply(ctx, req, replyListArchivesFail)
		return "list_archives_error"
	}
	if len(archives) == 0 {
		r.reply(ctx, req, replyNoArchives)
		return "no_archives"
	}
	var b strings.Builder
	b.WriteString("Your archived sessions:\n")
	for i, a := range archives {
		modified := "N/A"
		if !a.LastModified.IsZero() {
			modified = a.LastModified.UTC().Format("2006-01-02")
		}
		fmt.Fprintf(&b, "%d. Archive %s - %.1fKB - %s\n", i+1, domain.ShortID(a.SessionID), float64(a.Size)/1024, modified)
	}
	b.WriteString("\nUse /export <number> to download an archive.")
	r.reply(ctx, req, b.String())
	return "listarchives"
}

func (r *Router) export(ctx context.Context, req request, payload string) string {
	uid := req.update.UserID
	if payload == "" {
		r.reply(ctx, req, replyExportNoNumber)
		return "export_no_number"
	}
	archives, err := r.archives.List(ctx, uid)
	if err != nil {
		req.log.Error("list archives failed", "action", "export", "outcome", "failure", "error", err)
		r.reply(ctx, req, replyListArchivesFail)
		return "list_archives_error"
	}
	if len(archives) == 0 {
		r.reply(ctx, req, replyNothingToExport)
		return "no_archives_to_export"
	}
	n, err := ParseIndex(payload)
	if reasonOf(err) == "index_not_integer" {
		r.reply(ctx, req, replyExportUsage)
		return "invalid_export_format"
	}
	summary, err := pick(archives, n)
	if err != nil {
		r.reply(ctx, req, replyExportInvalid)
		return "invalid_export_number"
	}

	rec, err := r.archives.Retrieve(ctx, uid, summary.SessionID)
	if err != nil {
		if CodeOf(err) == ErrorNotFound {
			r.reply(ctx, req, replyExportNotFound)
			return "export_not_found"
		}
		req.log.Error("retrieve archive failed", "action", "export", "outcome", "failure", "error", err)
		r.reply(ctx, req, replyExportRetrieve)
		return "export_retrieve_error"
	}

	content, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		r.reply(ctx, req, replyExportRetrieve)
		return "export_retrieve_error"
	}
	model := orDefault(rec.ModelName, "chat")
	fileName := fmt.Sprintf("archive_%s_%s.json", domain.ShortID(summary.SessionID), model)
	caption := fmt.Sprintf("Archive: %s - %d messages", orDefault(rec.ModelName, "unknown"), len(rec.Conversation))

	if err := r.messenger.SendDocument(ctx, req.update.ChatID, fileName, content, caption); err != nil {
		req.log.Error("send document failed", "action", "export", "outcome", "failure", "error", err)
		r.reply(ctx, req, replyExportSendFailed)
		return "export_send_error"
	}
	r.reply(ctx, req, replyExported)
	return "exported"
}

// formatSessions renders one numbered line per session. lastLabel prefixes
// the last-message time.
func formatSessions(sessions []domain.Session, lastLabel string) string {
	var b strings.Builder
	for i, s := range sessions {
		active := ""
		if s.IsActive {
			active = " (active)"
		}
		fmt.Fprintf(&b, "%d. %s (%s)%s - %d msgs - %s%s\n", i+1, s.ModelName, domain.ShortID(s.SessionID),
			active, len(s.Conversation), lastLabel, formatDateTime(s.LastMessageTS))
	}
	return b.String()
}

func formatDateTime(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04")
}

func formatClock(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("15:04")
}
