// Package ocr provides the external OCR collaborator client: a synchronous
// tier for short documents and an asynchronous submit/poll tier for
// longer ones, following the same baseURL/apiKey/rate-limited HTTP client
// idiom as the other external collaborator clients in this codebase.
package ocr

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
	DefaultTimeout   = 60 * time.Second
	DefaultRateLimit = 5 // requests per second
)

// Client implements interfaces.OCRProvider.
type Client struct {
	baseURL    string
	apiKey     string
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

// NewClient creates a new OCR provider client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:     common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError represents a non-2xx response from the OCR provider.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("OCR API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

type syncRequest struct {
	BlobPath      string   `json:"blobPath"`
	RegionalHints []string `json:"regionalHints,omitempty"`
}

type syncResponse struct {
	Text string `json:"text"`
}

// ExtractSync runs OCR inline for documents within the sync tier's page
// threshold.
func (c *Client) ExtractSync(ctx context.Context, blobPath string, regionalHints []string) (string, error) {
	var resp syncResponse
	if err := c.post(ctx, "/v1/ocr/sync", syncRequest{BlobPath: blobPath, RegionalHints: regionalHints}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

type asyncSubmitRequest struct {
	BlobPath      string   `json:"blobPath"`
	OutputPrefix  string   `json:"outputPrefix"`
	RegionalHints []string `json:"regionalHints,omitempty"`
}

type asyncSubmitResponse struct {
	OperationName string `json:"operationName"`
}

// SubmitAsync starts a long-running OCR operation, returning an opaque
// handle that can be polled or, after a crash, resumed from the persisted
// job record.
func (c *Client) SubmitAsync(ctx context.Context, blobPath, outputPrefix string, regionalHints []string) (string, error) {
	var resp asyncSubmitResponse
	req := asyncSubmitRequest{BlobPath: blobPath, OutputPrefix: outputPrefix, RegionalHints: regionalHints}
	if err := c.post(ctx, "/v1/ocr/async", req, &resp); err != nil {
		return "", err
	}
	return resp.OperationName, nil
}

type pollResponse struct {
	Done        bool   `json:"done"`
	ShardPrefix string `json:"shardPrefix"`
}

// PollAsync checks an in-flight operation's status.
func (c *Client) PollAsync(ctx context.Context, operationName string) (interfaces.OCRPollResult, error) {
	var resp pollResponse
	path := fmt.Sprintf("/v1/ocr/async/%s", operationName)
	if err := c.get(ctx, path, &resp); err != nil {
		return interfaces.OCRPollResult{}, err
	}
	return interfaces.OCRPollResult{Done: resp.Done, ShardPrefix: resp.ShardPrefix}, nil
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return common.ErrExternalService("OCR rate limit wait failed", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal OCR request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create OCR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, path, result)
}

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return common.ErrExternalService("OCR rate limit wait failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create OCR request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, path, result)
}

func (c *Client) do(req *http.Request, path string, result interface{}) error {
	c.logger.Debug().Str("path", path).Msg("OCR API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return common.ErrExternalService("OCR request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return common.ErrExternalService("OCR provider returned an error", &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   path,
		})
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode OCR response: %w", err)
	}
	return nil
}

var _ interfaces.OCRProvider = (*Client)(nil)
