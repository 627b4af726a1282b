package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/bobmcallan/invoicer/internal/models"
)

// jsonFencePattern strips a surrounding ```json ... ``` or ``` ... ``` code
// fence, which both Gemini and the fallback LLM occasionally wrap their
// structured reply in despite being asked for raw JSON.
var jsonFencePattern = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// flexNumber tolerates a JSON field that may arrive as a number or as a
// string carrying currency symbols/thousands separators (the LLM is not a
// JSON-schema-validated API), the same numeric-or-string tolerance the
// eodhd client's flexFloat64 applies to quote payloads.
type flexNumber string

func (f *flexNumber) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*f = flexNumber(fmt.Sprintf("%v", num))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexNumber(s)
		return nil
	}
	*f = ""
	return nil
}

type rawLineItem struct {
	Description string     `json:"description"`
	Quantity    flexNumber `json:"quantity"`
	UnitPrice   flexNumber `json:"unitPrice"`
	LineTotal   flexNumber `json:"lineTotal"`
}

type rawInvoiceReply struct {
	InvoiceNumber string        `json:"invoiceNumber"`
	InvoiceDate   string        `json:"invoiceDate"`
	VendorName    string        `json:"vendorName"`
	Currency      string        `json:"currency"`
	Subtotal      flexNumber    `json:"subtotal"`
	Tax           flexNumber    `json:"tax"`
	Total         flexNumber    `json:"total"`
	DueDate       string        `json:"dueDate"`
	LineItems     []rawLineItem `json:"lineItems"`
	Notes         string        `json:"notes"`
}

// ParseInvoiceReply tolerantly parses an LLM's raw reply text into an
// InvoiceRecord: it strips an optional markdown code fence, decodes the
// loosely-typed JSON shape, then normalizes every numeric and date field.
// Fields that fail to normalize are left at their zero value rather than
// aborting the whole parse — a partially-populated record still
// contributes to the coverage/arithmetic confidence signals.
func ParseInvoiceReply(rawReply string) (*models.InvoiceRecord, error) {
	body := strings.TrimSpace(rawReply)
	if m := jsonFencePattern.FindStringSubmatch(body); m != nil {
		body = m[1]
	}

	var raw rawInvoiceReply
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("extract: failed to parse LLM reply as JSON: %w", err)
	}

	record := &models.InvoiceRecord{
		InvoiceNumber: strings.TrimSpace(raw.InvoiceNumber),
		VendorName:    strings.TrimSpace(raw.VendorName),
		Currency:      strings.ToUpper(strings.TrimSpace(raw.Currency)),
		Notes:         strings.TrimSpace(raw.Notes),
	}
	if record.Currency == "" {
		record.Currency = "EUR"
	}

	if d, err := NormalizeDate(raw.InvoiceDate); err == nil {
		record.InvoiceDate = d
	}
	if raw.DueDate != "" {
		if d, err := NormalizeDate(raw.DueDate); err == nil {
			record.DueDate = d
		}
	}

	record.Subtotal = normalizeOrZero(string(raw.Subtotal))
	record.Tax = normalizeOrZero(string(raw.Tax))
	record.Total = normalizeOrZero(string(raw.Total))

	for _, li := range raw.LineItems {
		record.LineItems = append(record.LineItems, models.LineItem{
			Description: strings.TrimSpace(li.Description),
			Quantity:    normalizeOrZero(string(li.Quantity)),
			UnitPrice:   normalizeOrZero(string(li.UnitPrice)),
			LineTotal:   normalizeOrZero(string(li.LineTotal)),
		})
	}

	return record, nil
}

func normalizeOrZero(raw string) float64 {
	if raw == "" {
		return 0
	}
	v, err := NormalizeNumber(raw)
	if err != nil {
		return 0
	}
	return v
}
