package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"chat-relay/internal/domain"
)

const (
	defaultAPIBase     = "https://api.telegram.org"
	defaultTimeout     = 10 * time.Second
	defaultFileTimeout = 30 * time.Second
)

// maxFileSize is the Bot API download limit.
var maxFileSize = 20 << 20

// ErrFileTooLarge is returned when a download exceeds the Bot API file limit.
var ErrFileTooLarge = errors.New("telegram: file too large")

// TokenSource resolves the bot token.
type TokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

// HTTPStatusError is a failed Bot API call. StatusCode is the HTTP status,
// or the API error_code when the API answered 200 with ok=false.
type HTTPStatusError struct {
	StatusCode  int
	Method      string
	Description string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("telegram: %s failed with status %d: %s", e.Method, e.StatusCode, e.Description)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused Bot API client for the calls the relay makes.
type Client struct {
	apiBase     string
	httpClient  *http.Client
	fileClient  *http.Client
	tokens      TokenSource
	paramPrefix string

	tokenMu     sync.RWMutex
	tokenLoaded bool
	token       string
}

type Option func(*Client)

func WithAPIBase(base string) Option {
	return func(c *Client) {
		c.apiBase = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithFileHTTPClient sets the client used for file downloads and uploads.
func WithFileHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.fileClient = httpClient
	}
}

// NewClient creates a Client whose bot token is read from
// {paramPrefix}/telegram-token on first use.
func NewClient(tokens TokenSource, paramPrefix string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("telegram: token source must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("telegram: parameter prefix must not be empty")
	}
	c := &Client{
		apiBase:     defaultAPIBase,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		fileClient:  &http.Client{Timeout: defaultFileTimeout},
		tokens:      tokens,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenMu.RLock()
	if c.tokenLoaded {
		defer c.tokenMu.RUnlock()
		return c.token, nil
	}
	c.tokenMu.RUnlock()

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.tokenLoaded {
		return c.token, nil
	}
	token, err := c.tokens.Token(ctx, c.paramPrefix+"/telegram-token")
	if err != nil {
		return "", fmt.Errorf("telegram: fetch bot token: %w", err)
	}
	c.token = token
	c.tokenLoaded = true
	return token, nil
}

// GetUpdates returns the queued updates starting at offset without long polling.
func (c *Client) GetUpdates(ctx context.Context, offset int64, limit int) ([]domain.Update, error) {
	q := url.Values{}
	if offset > 0 {
		q.Set("offset", strconv.FormatInt(offset, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	q.Set("timeout", "0")
	q.Set("allowed_updates", `["message"]`)

	var raw []Update
	if err := c.call(ctx, c.httpClient, http.MethodGet, "getUpdates", q, nil, "", &raw); err != nil {
		return nil, err
	}
	out := make([]domain.Update, 0, len(raw))
	for _, u := range raw {
		out = append(out, u.Domain())
	}
	return out, nil
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type editMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
}

// SendMessage sends text and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return 0, fmt.Errorf("telegram: marshal sendMessage: %w", err)
	}
	var msg Message
	if err := c.call(ctx, c.httpClient, http.MethodPost, "sendMessage", nil, bytes.NewReader(body), "application/json", &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditMessage replaces the text of a message sent earlier.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	body, err := json.Marshal(editMessageRequest{ChatID: chatID, MessageID: messageID, Text: text})
	if err != nil {
		return fmt.Errorf("telegram: marshal editMessageText: %w", err)
	}
	var ignored json.RawMessage
	return c.call(ctx, c.httpClient, http.MethodPost, "editMessageText", nil, bytes.NewReader(body), "application/json", &ignored)
}

// SendDocument uploads content as a file attachment.
func (c *Client) SendDocument(ctx context.Context, chatID int64, fileName string, content []byte, caption string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("telegram: build sendDocument: %w", err)
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return fmt.Errorf("telegram: build sendDocument: %w", err)
		}
	}
	part, err := w.CreateFormFile("document", fileName)
	if err != nil {
		return fmt.Errorf("telegram: build sendDocument: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("telegram: build sendDocument: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("telegram: build sendDocument: %w", err)
	}
	var ignored json.RawMessage
	return c.call(ctx, c.fileClient, http.MethodPost, "sendDocument", nil, &buf, w.FormDataContentType(), &ignored)
}

// DownloadFile resolves fileID through getFile and downloads the content.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	if strings.TrimSpace(fileID) == "" {
		return nil, errors.New("telegram: file id is required")
	}
	var f file
	if err := c.call(ctx, c.httpClient, http.MethodGet, "getFile", url.Values{"file_id": {fileID}}, nil, "", &f); err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, errors.New("telegram: getFile returned no file_path")
	}

	token, err := c.resolveToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/file/bot"+token+"/"+f.FilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: create download request: %w", redact(err, token))
	}
	res, err := c.fileClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download file: %w", redact(err, token))
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, Method: "downloadFile", Description: http.StatusText(res.StatusCode)}
	}
	content, err := io.ReadAll(io.LimitReader(res.Body, int64(maxFileSize)+1))
	if err != nil {
		return nil, fmt.Errorf("telegram: read file: %w", err)
	}
	if len(content) > maxFileSize {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, maxFileSize)
	}
	return content, nil
}

// call performs one Bot API method and decodes the result into out.
func (c *Client) call(ctx context.Context, hc *http.Client, httpMethod, method string, q url.Values, body io.Reader, contentType string, out any) error {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}
	endpoint := c.apiBase + "/bot" + token + "/" + method
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, body)
	if err != nil {
		return fmt.Errorf("telegram: create %s request: %w", method, redact(err, token))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	res, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, redact(err, token))
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram: read %s response: %w", method, err)
	}

	var envelope apiResponse[json.RawMessage]
	decodeErr := json.Unmarshal(raw, &envelope)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		desc := envelope.Description
		if decodeErr != nil || desc == "" {
			desc = truncate(string(raw), 512)
		}
		return &HTTPStatusError{StatusCode: res.StatusCode, Method: method, Description: desc}
	}
	if decodeErr != nil {
		return fmt.Errorf("telegram: decode %s response: %w", method, decodeErr)
	}
	if !envelope.OK {
		return &HTTPStatusError{StatusCode: envelope.ErrorCode, Method: method, Description: envelope.Description}
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("telegram: decode %s result: %w", method, err)
	}
	return nil
}

// redact strips the bot token from URLs embedded in transport errors.
func redact(err error, token string) error {
	var ue *url.Error
	if token != "" && errors.As(err, &ue) {
		ue.URL = strings.ReplaceAll(ue.URL, token, "<redacted>")
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
