// Package fallback provides a raw HTTP REST client for the secondary LLM
// provider the lifecycle engine falls back to when the primary Gemini
// request fails or returns an unparsable reply.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/interfaces"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5 // requests per second
)

// Client implements interfaces.LLMProvider against a chat-completions-style
// HTTP endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client.
type ClientOption func(*Client)

func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// NewClient creates a new fallback LLM client.
func NewClient(baseURL, apiKey, model string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError represents a non-2xx response from the fallback provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fallback LLM API error: %s (status: %d)", e.Message, e.StatusCode)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

// Extract sends documentText through the fallback provider's
// chat-completions endpoint and returns the raw reply text.
func (c *Client) Extract(ctx context.Context, documentText, promptVersion string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", common.ErrExternalService("fallback LLM rate limit wait failed", err)
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You extract structured invoice data as a single JSON object, with no markdown fences."},
			{Role: "user", Content: buildPrompt(documentText, promptVersion)},
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fallback LLM request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create fallback LLM request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug().Str("model", c.model).Msg("fallback LLM request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", common.ErrExternalService("fallback LLM request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", common.ErrExternalService("fallback LLM returned an error", &APIError{StatusCode: resp.StatusCode, Message: string(body)})
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode fallback LLM response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", common.ErrExternalService("fallback LLM returned no choices", nil)
	}
	return parsed.Choices[0].Message.Content, nil
}

func buildPrompt(documentText, promptVersion string) string {
	return fmt.Sprintf("Extract invoiceNumber, invoiceDate, vendorName, currency, subtotal, tax, total, dueDate, lineItems, notes as JSON from:\n\n%s", documentText)
}

var _ interfaces.LLMProvider = (*Client)(nil)
