package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chat-relay/internal/domain"
)

const (
	replyBusy          = "Please wait, still generating a response to your previous message..."
	replyThinking      = "Thinking..."
	replyEmptyAnswer   = "Sorry, the model returned an empty response. Please try again."
	replyNotJSONFile   = "Please send a JSON file to import an archive.\nExport archives using /export to get the correct format."
	replyDownloadFail  = "Failed to download file. Please try again."
	replyMissingConv   = "Invalid archive format. Missing 'conversation' field.\nUse /export to get a valid archive format."
	replyInvalidConv   = "Invalid archive format. 'conversation' must be a list of messages.\nUse /export to get a valid archive format."
	replyImportFailed  = "Failed to import archive. Please try again."
	fallbackConnection = "Sorry, AI response unavailable (connection error). Use /status to check connection."
)

// handleChat runs one user turn through the completion backend.
func (r *Router) handleChat(ctx context.Context, req request, text string) string {
	s, err := r.sessions.GetOrCreateActive(ctx, req.update.UserID)
	if err != nil {
		return r.chatStoreFailure(ctx, req, err)
	}
	if r.sessions.Busy(s, r.now()) {
		r.reply(ctx, req, replyBusy)
		return "rate_limited"
	}

	if err := r.sessions.Append(ctx, &s, domain.RoleUser, text); err != nil {
		return r.chatStoreFailure(ctx, req, err)
	}
	if err := r.sessions.BeginPending(ctx, &s); err != nil {
		return r.chatStoreFailure(ctx, req, err)
	}

	placeholder := r.reply(ctx, req, replyThinking)
	answer := r.complete(ctx, req, s)

	// The turn must finish even if the invocation deadline hit during the completion.
	detached := context.WithoutCancel(ctx)
	if err := r.sessions.EndPending(detached, &s); err != nil {
		req.log.Error("clear pending failed", "action", "handle_message", "outcome", "failure", "error", err)
	}
	if err := r.sessions.Append(detached, &s, domain.RoleAssistant, answer); err != nil {
		req.log.Error("store assistant reply failed", "action", "handle_message", "outcome", "failure", "error", err)
	}

	if placeholder != 0 {
		chunks := splitMessage(answer, maxOutboundRunes)
		err := r.messenger.EditMessage(detached, req.update.ChatID, placeholder, chunks[0])
		if err == nil {
			for _, chunk := range chunks[1:] {
				r.reply(detached, req, chunk)
			}
			return "ai_response"
		}
		req.log.Warn("edit placeholder failed, sending new message", "action", "edit_message", "outcome", "warning", "error", err)
	}
	r.reply(detached, req, answer)
	return "ai_response"
}

// complete asks the backend for the next assistant turn. It always returns
// text fit to show the user.
func (r *Router) complete(ctx context.Context, req request, s domain.Session) string {
	messages := contextMessages(s.Conversation, r.cfg.ContextWindow)
	model := orDefault(s.ModelName, r.sessions.DefaultModel())

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ChatTimeout)
	defer cancel()

	req.log.Info("calling model", "action", "call_ollama", "outcome", "started", "model", model, "context_length", len(messages))
	answer, err := r.llm.Chat(ctx, model, messages)
	if err != nil {
		req.log.Error("completion failed", "action", "call_ollama", "outcome", "failure", "model", model, "error", err)
		return completionFallback(err)
	}
	if strings.TrimSpace(answer) == "" {
		req.log.Warn("empty completion", "action", "call_ollama", "outcome", "warning", "model", model)
		return replyEmptyAnswer
	}
	req.log.Info("completion received", "action", "call_ollama", "outcome", "success", "response_length", len(answer))
	return answer
}

// completionFallback maps a backend failure to the text shown instead of an answer.
func completionFallback(err error) string {
	if code, ok := upstreamStatusCode(err); ok {
		return fmt.Sprintf("Sorry, AI response unavailable (error %d). Use /status to check connection.", code)
	}
	return fallbackConnection
}

func (r *Router) chatStoreFailure(ctx context.Context, req request, err error) string {
	req.log.Error("session store failed", "action", "handle_message", "outcome", "failure", "error", err)
	r.reply(ctx, req, replyStoreUnavailable)
	return "store_error"
}

func isJSONDocument(d domain.Document) bool {
	return strings.HasSuffix(strings.ToLower(d.FileName), ".json") || d.MimeType == "application/json"
}

// handleDocument imports an uploaded archive file.
func (r *Router) handleDocument(ctx context.Context, req request, d domain.Document) string {
	req.log.Info("document received", "action", "handle_document", "outcome", "success",
		"file_name", d.FileName, "mime_type", d.MimeType)
	if !isJSONDocument(d) {
		r.reply(ctx, req, replyNotJSONFile)
		return "invalid_file_type"
	}

	content, err := r.messenger.DownloadFile(ctx, d.FileID)
	if err != nil || len(content) == 0 {
		req.log.Error("download failed", "action", "get_telegram_file", "outcome", "failure", "error", err)
		r.reply(ctx, req, replyDownloadFail)
		return "download_error"
	}

	res, err := r.archives.Import(ctx, req.update.UserID, content)
	if err != nil {
		switch reasonOf(err) {
		case "import_invalid_json":
			var ue *Error
			detail := ""
			if errors.As(err, &ue) && ue.Err != nil {
				detail = truncateRunes(ue.Err.Error(), 100)
			}
			r.reply(ctx, req, "Invalid JSON file. Please send a valid archive export.\nError: "+detail)
			return "json_parse_error"
		case "import_missing_conversation":
			r.reply(ctx, req, replyMissingConv)
			return "invalid_archive_format"
		case "import_invalid_conversation":
			r.reply(ctx, req, replyInvalidConv)
			return "invalid_archive_format"
		}
		req.log.Error("import failed", "action", "import_archive", "outcome", "failure", "error", err)
		r.reply(ctx, req, replyImportFailed)
		return "import_error"
	}

	r.reply(ctx, req, fmt.Sprintf("Archive imported successfully!\n- Original model: %s\n- Messages: %d\n- New archive ID: %s\n\nUse /listarchives to see your archives.",
		res.OriginalModel, res.MessageCount, domain.ShortID(res.SessionID)))
	return "imported"
}
