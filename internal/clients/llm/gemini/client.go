// Package gemini provides the primary LLM client used for structured
// invoice extraction.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/interfaces"
)

const DefaultModel = "gemini-3-flash-preview"

// Client implements interfaces.LLMProvider against Google Gemini.
type Client struct {
	client *genai.Client
	model  string
	logger *common.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithModel overrides the default model.
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new Gemini-backed LLMProvider.
func NewClient(ctx context.Context, apiKey string, opts ...ClientOption) (*Client, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	c := &Client{
		client: genaiClient,
		model:  DefaultModel,
		logger: common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Extract sends the sanitized document text to Gemini with the invoice
// extraction prompt for promptVersion and returns the raw reply text for
// the tolerant parser to interpret.
func (c *Client) Extract(ctx context.Context, documentText, promptVersion string) (string, error) {
	prompt := buildExtractionPrompt(documentText, promptVersion)

	c.logger.Debug().Str("model", c.model).Str("promptVersion", promptVersion).Msg("requesting invoice extraction")

	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return "", common.ErrExternalService("gemini request failed", err)
	}

	text, err := extractTextFromResponse(result)
	if err != nil {
		return "", common.ErrExternalService("gemini returned no content", err)
	}
	return text, nil
}

func extractTextFromResponse(result *genai.GenerateContentResponse) (string, error) {
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no content generated")
	}

	text := ""
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("empty content generated")
	}
	return text, nil
}

const promptV1 = `You are an invoice data extraction engine. Given the text below,
extracted from a PDF invoice via OCR, return ONLY a single JSON object
(no markdown fences, no commentary) with these fields:

{
  "invoiceNumber": string,
  "invoiceDate": string (ISO yyyy-mm-dd),
  "vendorName": string,
  "currency": string (ISO 4217 code, default "EUR" if absent),
  "subtotal": number,
  "tax": number,
  "total": number,
  "dueDate": string (ISO yyyy-mm-dd, omit if absent),
  "lineItems": [{"description": string, "quantity": number, "unitPrice": number, "lineTotal": number}],
  "notes": string (omit if absent)
}

If a numeric field cannot be determined, use 0. If the document is not an
invoice, still return your best-effort extraction of whatever financial
totals are present.

Document text:
---
%s
---
`

func buildExtractionPrompt(documentText, promptVersion string) string {
	switch promptVersion {
	default:
		return fmt.Sprintf(promptV1, documentText)
	}
}

var _ interfaces.LLMProvider = (*Client)(nil)
