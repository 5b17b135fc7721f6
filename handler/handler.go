package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/telegram"
	"chat-relay/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
)

type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type Router interface {
	Route(ctx context.Context, u domain.Update) usecase.Result
}

type Poller interface {
	Poll(ctx context.Context) (usecase.PollResult, error)
}

type webhookResponse struct {
	OK     bool            `json:"ok"`
	Result *usecase.Result `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type pollResponse struct {
	Mode string `json:"mode"`
	usecase.PollResult
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// webhookEvent is the subset of an API Gateway proxy request the webhook
// reads. Body stays raw so direct invocations may pass the update as an object.
type webhookEvent struct {
	Headers         map[string]string                    `json:"headers"`
	Body            json.RawMessage                      `json:"body"`
	IsBase64Encoded bool                                 `json:"isBase64Encoded"`
	RequestContext  events.APIGatewayProxyRequestContext `json:"requestContext"`
}

type Handler struct {
	router        Router
	poller        Poller
	webhookSecret string
	log           *slog.Logger
}

type Option func(*Handler)

// WithWebhookSecret enables X-Telegram-Bot-Api-Secret-Token verification.
func WithWebhookSecret(secret string) Option {
	return func(h *Handler) {
		h.webhookSecret = strings.TrimSpace(secret)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.log = logger
		}
	}
}

func NewHandler(router Router, poller Poller, opts ...Option) (*Handler, error) {
	if router == nil {
		return nil, errors.New("handler: router must not be nil")
	}
	if poller == nil {
		return nil, errors.New("handler: poller must not be nil")
	}
	h := &Handler{
		router: router,
		poller: poller,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle serves both trigger modes: an event carrying a "body" key is a
// webhook delivery, anything else starts a poll.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (resp Response, err error) {
	requestID := "unknown"
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		requestID = lc.AwsRequestID
	}
	log := h.log.With("request_id", requestID)

	var fields map[string]json.RawMessage
	webhook := false
	if json.Unmarshal(raw, &fields) == nil {
		_, webhook = fields["body"]
	}
	mode := "polling"
	if webhook {
		mode = "webhook"
	}
	log.Info("lambda_handler", "action", "lambda_handler", "outcome", "received", "mode", mode)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("lambda_handler", "action", "lambda_handler", "outcome", "panic", "panic", fmt.Sprint(rec))
			if webhook {
				resp = webhookReply(requestID, webhookResponse{OK: false, Error: string(usecase.ErrorInternal)})
			} else {
				resp = jsonResponse(http.StatusInternalServerError, requestID, errorResponse{Error: string(usecase.ErrorInternal)})
			}
			err = nil
		}
	}()

	if webhook {
		return h.handleWebhook(ctx, log, requestID, raw), nil
	}
	return h.handlePoll(ctx, log, requestID), nil
}

func (h *Handler) handleWebhook(ctx context.Context, log *slog.Logger, requestID string, raw json.RawMessage) Response {
	var event webhookEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		log.Error("webhook", "action", "webhook", "outcome", "invalid_event", "err", err)
		return webhookReply(requestID, webhookResponse{OK: false, Error: "Invalid JSON"})
	}
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = event.RequestContext.RequestID
	}
	if correlationID == "" {
		correlationID = requestID
	}
	if correlationID == "unknown" {
		correlationID = uuid.NewString()
	}

	if h.webhookSecret != "" && headerValue(event.Headers, secretTokenHeader) != h.webhookSecret {
		log.Warn("webhook", "action", "webhook", "outcome", "unauthorized")
		return webhookReply(correlationID, webhookResponse{OK: false, Error: "unauthorized"})
	}

	body, err := updateBody(event)
	if err != nil {
		log.Error("webhook", "action", "webhook", "outcome", "invalid_json", "err", err)
		return webhookReply(correlationID, webhookResponse{OK: false, Error: "Invalid JSON"})
	}
	var update telegram.Update
	if err := json.Unmarshal(body, &update); err != nil {
		log.Error("webhook", "action", "webhook", "outcome", "invalid_json", "err", err)
		return webhookReply(correlationID, webhookResponse{OK: false, Error: "Invalid JSON"})
	}

	log.Info("webhook", "action", "webhook", "outcome", "processing", "update_id", update.UpdateID)
	result := h.router.Route(ctx, update.Domain())
	return webhookReply(correlationID, webhookResponse{OK: true, Result: &result})
}

func (h *Handler) handlePoll(ctx context.Context, log *slog.Logger, requestID string) Response {
	out, err := h.poller.Poll(ctx)
	if err != nil {
		code := usecase.CodeOf(err)
		reason := ""
		var usecaseErr *usecase.Error
		if errors.As(err, &usecaseErr) {
			reason = usecaseErr.Reason
		}
		status := http.StatusInternalServerError
		if code == usecase.ErrorUpstreamUnavailable {
			status = http.StatusBadRequest
		}
		log.Error("polling", "action", "polling", "outcome", "failed", "code", code, "reason", reason, "err", err)
		return jsonResponse(status, requestID, errorResponse{Error: string(code), Reason: reason})
	}
	log.Info("polling", "action", "polling", "outcome", "completed",
		"processed_count", out.ProcessedCount, "new_offset", out.NewOffset)
	return jsonResponse(http.StatusOK, requestID, pollResponse{Mode: "polling", PollResult: out})
}

// updateBody returns the update JSON carried by the event body, which is
// either a JSON string (optionally base64) or an inline object.
func updateBody(event webhookEvent) ([]byte, error) {
	trimmed := strings.TrimSpace(string(event.Body))
	if trimmed == "" || trimmed == "null" {
		return nil, errors.New("empty body")
	}
	if !strings.HasPrefix(trimmed, `"`) {
		return []byte(trimmed), nil
	}
	var s string
	if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
		return nil, err
	}
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode base64 body: %w", err)
		}
		return decoded, nil
	}
	return []byte(s), nil
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// webhookReply always answers 200 so the platform does not redeliver.
func webhookReply(correlationID string, body webhookResponse) Response {
	return jsonResponse(http.StatusOK, correlationID, body)
}

func jsonResponse(status int, correlationID string, body any) Response {
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return Response{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(b),
	}
}
