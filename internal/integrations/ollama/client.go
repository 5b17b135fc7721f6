package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chat-relay/internal/domain"
)

const (
	defaultBaseURL     = "http://host.docker.internal:11434"
	defaultChatTimeout = 45 * time.Second
	defaultTagsTimeout = 5 * time.Second
)

// chatRequest is the request shape for POST /api/chat.
type chatRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

// chatResponse is the non-streaming response shape of /api/chat.
type chatResponse struct {
	Model   string             `json:"model"`
	Message domain.ChatMessage `json:"message"`
	Done    bool               `json:"done"`
}

// tagsResponse is the response shape of GET /api/tags.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// TokenSource resolves an optional secret. An empty token means none is configured.
type TokenSource interface {
	OptionalToken(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("ollama: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to an Ollama-compatible server, optionally behind a proxy
// that checks an X-API-Key header.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tagsTimeout time.Duration
	tokens      TokenSource
	paramPrefix string

	keyMu     sync.RWMutex
	keyLoaded bool
	apiKey    string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTagsTimeout bounds the /api/tags health check.
func WithTagsTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.tagsTimeout = d
		}
	}
}

// NewClient creates a Client. The API key is read from
// {paramPrefix}/ollama-api-key on first use; a missing parameter disables it.
func NewClient(tokens TokenSource, paramPrefix string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("ollama: token source must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("ollama: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: defaultChatTimeout},
		tagsTimeout: defaultTagsTimeout,
		tokens:      tokens,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL is the configured server endpoint.
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.baseURL, "/")
}

// resolveAPIKey loads the key once per process. Failed lookups are retried
// on the next call.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.RLock()
	if c.keyLoaded {
		defer c.keyMu.RUnlock()
		return c.apiKey, nil
	}
	c.keyMu.RUnlock()

	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.keyLoaded {
		return c.apiKey, nil
	}
	key, err := c.tokens.OptionalToken(ctx, c.paramPrefix+"/ollama-api-key")
	if err != nil {
		return "", fmt.Errorf("ollama: fetch api key: %w", err)
	}
	c.apiKey = key
	c.keyLoaded = true
	return key, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultChatTimeout}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	return req, nil
}

// Chat sends a non-streaming chat request and returns the assistant content.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("ollama: model must not be empty")
	}
	if messages == nil {
		messages = []domain.ChatMessage{}
	}
	body, err := json.Marshal(chatRequest{Model: model, Messages: messages, Stream: false})
	if err != nil {
		return "", fmt.Errorf("ollama: marshal request: %w", err)
	}

	url := c.BaseURL() + "/api/chat"
	req, err := c.newRequest(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return "", fmt.Errorf("ollama: request failed: %w", err)
	}

	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	return payload.Message.Content, nil
}

// ListModels returns the names of the models the server has loaded.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.tagsTimeout)
	defer cancel()

	url := c.BaseURL() + "/api/tags"
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return nil, fmt.Errorf("ollama: tags request failed: %w", err)
	}
	var payload tagsResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("ollama: decode tags response: %w", err)
	}
	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
