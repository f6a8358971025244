package openai

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

	"julian-relay/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 2 * time.Minute
)

// responsesRequest is the request shape for the Responses endpoint.
type responsesRequest struct {
	Model     string        `json:"model"`
	Input     string        `json:"input"`
	Stream    bool          `json:"stream,omitempty"`
	Tools     []domain.Tool `json:"tools,omitempty"`
	Reasoning *reasoning    `json:"reasoning,omitempty"`
	Text      *textConfig   `json:"text,omitempty"`
}

type reasoning struct {
	Effort string `json:"effort"`
}

type textConfig struct {
	Verbosity string `json:"verbosity"`
}

// TokenSource resolves the API token by name.
type TokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI client for the Responses API.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	tokens       TokenSource
	tokenName    string

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

// WithHTTPClient replaces the client used for both single-shot and
// streaming requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
		c.streamClient = httpClient
	}
}

// NewClient creates a Client that resolves its API key from tokens under
// tokenName on the first request and reuses it once fetched.
func NewClient(tokens TokenSource, tokenName string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("openai: token source must not be nil")
	}
	tokenName = strings.TrimSpace(tokenName)
	if tokenName == "" {
		return nil, errors.New("openai: token name must not be empty")
	}
	c := &Client{
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		streamClient: &http.Client{},
		tokens:       tokens,
		tokenName:    tokenName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey returns the cached API key, fetching it while none has
// been resolved yet. Failures are not cached; the next call retries.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := c.tokens.Token(ctx, c.tokenName)
	if err != nil {
		return "", fmt.Errorf("openai: resolve api key: %w", err)
	}
	c.apiKey = key
	return key, nil
}

func responsesURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/responses"
	}
	return base + "/v1/responses"
}

func newResponsesRequest(req domain.GenerationRequest, stream bool) responsesRequest {
	out := responsesRequest{
		Model:  req.Model,
		Input:  req.Prompt,
		Stream: stream,
		Tools:  req.Tools,
	}
	if req.ReasoningEffort != "" {
		out.Reasoning = &reasoning{Effort: req.ReasoningEffort}
	}
	if req.Verbosity != "" {
		out.Text = &textConfig{Verbosity: req.Verbosity}
	}
	return out
}

func (c *Client) newRequest(ctx context.Context, req domain.GenerationRequest, stream bool) (*http.Request, string, error) {
	if req.Model == "" {
		return nil, "", errors.New("openai: model must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, "", err
	}

	body, err := json.Marshal(newResponsesRequest(req, stream))
	if err != nil {
		return nil, "", fmt.Errorf("openai: marshal request: %w", err)
	}

	url := responsesURL(c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, url, nil
}

// Respond performs a single-shot generation and returns the full response.
func (c *Client) Respond(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResponse, error) {
	httpReq, url, err := c.newRequest(ctx, req, false)
	if err != nil {
		return domain.GenerationResponse{}, err
	}

	res, err := c.do(c.httpClient, httpReq, url)
	if err != nil {
		return domain.GenerationResponse{}, fmt.Errorf("openai: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return domain.GenerationResponse{}, fmt.Errorf("openai: read response body: %w", err)
	}

	var payload domain.GenerationResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.GenerationResponse{}, fmt.Errorf("openai: decode response: %w", err)
	}
	return payload, nil
}

// StreamEvents opens a server-sent event stream for the request. The caller
// must Close the returned stream.
func (c *Client) StreamEvents(ctx context.Context, req domain.GenerationRequest) (domain.EventStream, error) {
	httpReq, url, err := c.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	res, err := c.do(c.streamClient, httpReq, url)
	if err != nil {
		return nil, fmt.Errorf("openai: stream request failed: %w", err)
	}
	return newEventStream(res.Body), nil
}

// do sends the request and converts non-2xx responses into HTTPStatusError.
// On success the caller owns the response body.
func (c *Client) do(client *http.Client, req *http.Request, url string) (*http.Response, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}
	return res, nil
}
