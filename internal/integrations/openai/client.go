package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"line-assistant-relay/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 10 * time.Second
	betaHeader     = "assistants=v2"
)

// addMessageRequest is the request shape for posting a message to a thread.
type addMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// startRunRequest is the request shape for starting a run on a thread.
type startRunRequest struct {
	AssistantID string `json:"assistant_id"`
}

// listMessagesResponse is the minimal response shape for list-messages.
type listMessagesResponse struct {
	Data []domain.ThreadMessage `json:"data"`
}

// moderationRequest is the request shape for the Moderations endpoint.
type moderationRequest struct {
	Input string `json:"input"`
}

// moderationResponse is the minimal response shape for the Moderations endpoint.
type moderationResponse struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
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

// Client is a focused client for the Assistants v2 thread/run endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
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

// NewClient creates a Client that authenticates every request with apiKey.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		apiKey:     apiKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 10s timeout if none was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func endpointURL(baseURL string, segments ...string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	for _, s := range segments {
		base += "/" + url.PathEscape(s)
	}
	return base
}

// CreateThread creates an empty thread.
func (c *Client) CreateThread(ctx context.Context) (domain.Thread, error) {
	var thread domain.Thread
	if err := c.do(ctx, http.MethodPost, endpointURL(c.baseURL, "threads"), struct{}{}, &thread); err != nil {
		return domain.Thread{}, fmt.Errorf("openai: create thread: %w", err)
	}
	if thread.ID == "" {
		return domain.Thread{}, errors.New("openai: create thread: response missing id")
	}
	return thread, nil
}

// AddMessage posts content to the thread with the user role. The created
// message is not decoded.
func (c *Client) AddMessage(ctx context.Context, threadID, content string) error {
	u := endpointURL(c.baseURL, "threads", threadID, "messages")
	if err := c.do(ctx, http.MethodPost, u, addMessageRequest{Role: domain.RoleUser, Content: content}, nil); err != nil {
		return fmt.Errorf("openai: add message: %w", err)
	}
	return nil
}

// StartRun asks the assistant to process the thread.
func (c *Client) StartRun(ctx context.Context, threadID, assistantID string) (domain.Run, error) {
	if strings.TrimSpace(assistantID) == "" {
		return domain.Run{}, errors.New("openai: assistant id must not be empty")
	}
	var run domain.Run
	u := endpointURL(c.baseURL, "threads", threadID, "runs")
	if err := c.do(ctx, http.MethodPost, u, startRunRequest{AssistantID: assistantID}, &run); err != nil {
		return domain.Run{}, fmt.Errorf("openai: start run: %w", err)
	}
	if run.ID == "" {
		return domain.Run{}, errors.New("openai: start run: response missing id")
	}
	return run, nil
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (domain.Run, error) {
	var run domain.Run
	u := endpointURL(c.baseURL, "threads", threadID, "runs", runID)
	if err := c.do(ctx, http.MethodGet, u, nil, &run); err != nil {
		return domain.Run{}, fmt.Errorf("openai: get run: %w", err)
	}
	return run, nil
}

// ListMessages returns the thread's messages in the provider's default order
// (newest first).
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]domain.ThreadMessage, error) {
	var payload listMessagesResponse
	u := endpointURL(c.baseURL, "threads", threadID, "messages")
	if err := c.do(ctx, http.MethodGet, u, nil, &payload); err != nil {
		return nil, fmt.Errorf("openai: list messages: %w", err)
	}
	return payload.Data, nil
}

// Moderate calls the OpenAI Moderations API and returns true if the input is flagged.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	var payload moderationResponse
	if err := c.do(ctx, http.MethodPost, endpointURL(c.baseURL, "moderations"), moderationRequest{Input: input}, &payload); err != nil {
		return false, fmt.Errorf("openai: moderation: %w", err)
	}
	if len(payload.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	return payload.Results[0].Flagged, nil
}

func (c *Client) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", betaHeader)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
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
