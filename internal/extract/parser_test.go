package extract

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobmcallan/invoicer/internal/models"
)

func TestParseInvoiceReply_PlainJSON(t *testing.T) {
	raw := `{
		"invoiceNumber": "INV-001",
		"invoiceDate": "05/03/2024",
		"vendorName": "Acme Supplies",
		"currency": "eur",
		"subtotal": "1.234,56",
		"tax": 100,
		"total": "1,334.56",
		"dueDate": "2024-04-01",
		"lineItems": [
			{"description": "Widget", "quantity": 2, "unitPrice": "100.00", "lineTotal": "200.00"}
		],
		"notes": "thanks"
	}`

	record, err := ParseInvoiceReply(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.InvoiceNumber != "INV-001" {
		t.Errorf("invoiceNumber = %q", record.InvoiceNumber)
	}
	if record.InvoiceDate != "2024-03-05" {
		t.Errorf("invoiceDate = %q", record.InvoiceDate)
	}
	if record.Currency != "EUR" {
		t.Errorf("currency = %q", record.Currency)
	}
	if record.Subtotal != 1234.56 {
		t.Errorf("subtotal = %v", record.Subtotal)
	}
	if record.Total != 1334.56 {
		t.Errorf("total = %v", record.Total)
	}
	if len(record.LineItems) != 1 || record.LineItems[0].Description != "Widget" {
		t.Errorf("lineItems = %+v", record.LineItems)
	}
}

func TestParseInvoiceReply_PlainJSON_FullRecordShape(t *testing.T) {
	raw := `{
		"invoiceNumber": "INV-001",
		"invoiceDate": "05/03/2024",
		"vendorName": "Acme Supplies",
		"currency": "eur",
		"subtotal": "1.234,56",
		"tax": 100,
		"total": "1,334.56",
		"dueDate": "2024-04-01",
		"lineItems": [
			{"description": "Widget", "quantity": 2, "unitPrice": "100.00", "lineTotal": "200.00"}
		],
		"notes": "thanks"
	}`

	record, err := ParseInvoiceReply(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := &models.InvoiceRecord{
		InvoiceNumber: "INV-001",
		InvoiceDate:   "2024-03-05",
		VendorName:    "Acme Supplies",
		Currency:      "EUR",
		Subtotal:      1234.56,
		Tax:           100,
		Total:         1334.56,
		DueDate:       "2024-04-01",
		LineItems: []models.LineItem{
			{Description: "Widget", Quantity: 2, UnitPrice: 100, LineTotal: 200},
		},
		Notes: "thanks",
	}
	if diff := cmp.Diff(want, record); diff != "" {
		t.Errorf("parsed record mismatch (-want +got):\n%s", diff)
	}
}

func TestParseInvoiceReply_StripsMarkdownFence(t *testing.T) {
	raw := "```json\n{\"invoiceNumber\": \"INV-002\", \"total\": 50}\n```"
	record, err := ParseInvoiceReply(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.InvoiceNumber != "INV-002" {
		t.Errorf("invoiceNumber = %q", record.InvoiceNumber)
	}
}

func TestParseInvoiceReply_DefaultsCurrencyToEUR(t *testing.T) {
	record, err := ParseInvoiceReply(`{"invoiceNumber": "INV-003"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Currency != "EUR" {
		t.Errorf("expected default currency EUR, got %q", record.Currency)
	}
}

func TestParseInvoiceReply_RejectsNonJSON(t *testing.T) {
	if _, err := ParseInvoiceReply("not json at all"); err == nil {
		t.Fatal("expected error for non-JSON reply")
	}
}

func TestParseInvoiceReply_BadNumericFieldsLeaveZero(t *testing.T) {
	record, err := ParseInvoiceReply(`{"invoiceNumber": "INV-004", "total": "not a number"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Total != 0 {
		t.Errorf("expected zero total for unparseable value, got %v", record.Total)
	}
}
