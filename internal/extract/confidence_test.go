package extract

import (
	"testing"

	"github.com/bobmcallan/invoicer/internal/models"
)

func fullRecord() *models.InvoiceRecord {
	return &models.InvoiceRecord{
		InvoiceNumber: "INV-001",
		InvoiceDate:   "2024-03-05",
		VendorName:    "Acme",
		Currency:      "EUR",
		Subtotal:      100,
		Tax:           10,
		Total:         110,
		LineItems:     []models.LineItem{{Description: "Widget", Quantity: 1, UnitPrice: 100, LineTotal: 100}},
	}
}

func TestScore_PerfectRecordWithNoOCRSignalScoresFull(t *testing.T) {
	score := Score(fullRecord(), -1)
	if score != 1.0 {
		t.Errorf("expected score 1.0 for a fully consistent record, got %v", score)
	}
}

func TestScore_LowOCRQualityReducesScore(t *testing.T) {
	full := Score(fullRecord(), 1.0)
	degraded := Score(fullRecord(), 0.0)
	if degraded >= full {
		t.Errorf("expected degraded OCR quality to lower the score: full=%v degraded=%v", full, degraded)
	}
	if full-degraded != weightOCRQuality {
		t.Errorf("expected OCR quality weight to account for the full delta, got delta=%v", full-degraded)
	}
}

func TestScore_ArithmeticInconsistencyPenalized(t *testing.T) {
	record := fullRecord()
	record.Total = 9999
	score := Score(record, -1)
	if score > 1-weightArithmetic+0.001 {
		t.Errorf("expected arithmetic mismatch to drop the arithmetic weight, got %v", score)
	}
}

func TestScore_MissingRequiredFieldsPenalized(t *testing.T) {
	record := &models.InvoiceRecord{Total: 100}
	score := Score(record, -1)
	if score >= 1.0 {
		t.Errorf("expected missing fields to reduce score below 1.0, got %v", score)
	}
}

func TestScore_ClampedToUnitInterval(t *testing.T) {
	score := Score(fullRecord(), 5.0)
	if score > 1.0 {
		t.Errorf("expected score clamped to 1.0, got %v", score)
	}
}
