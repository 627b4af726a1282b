package extract

import (
	"math"

	"github.com/bobmcallan/invoicer/internal/models"
)

// arithmeticEpsilon is the relative tolerance for the arithmetic-consistency
// confidence signal (|subtotal + tax - total| <= eps * total).
const arithmeticEpsilon = 0.01

const (
	weightOCRQuality   = 0.4
	weightStructural   = 0.3
	weightArithmetic   = 0.2
	weightCoverage     = 0.1
)

// Score computes the weighted-sum confidence score for record.
// ocrQuality is the fraction of high-confidence characters reported by the
// OCR provider, or -1 when the tier/provider doesn't report one — callers
// should pass -1 rather than guessing, since a text-layer PDF extracted
// without OCR has no such signal and defaults to full weight (1.0) here.
func Score(record *models.InvoiceRecord, ocrQuality float64) float64 {
	if ocrQuality < 0 {
		ocrQuality = 1.0
	}

	structural := 0.0
	if record.RequiredFieldsPresent() {
		structural = 1.0
	}

	arithmetic := 0.0
	if record.ArithmeticConsistent(arithmeticEpsilon) {
		arithmetic = 1.0
	}

	score := weightOCRQuality*ocrQuality +
		weightStructural*structural +
		weightArithmetic*arithmetic +
		weightCoverage*record.Coverage()
	// Round away float summation error so that, e.g., a record passing every
	// signal scores exactly 1.0 rather than 0.9999999999999999.
	score = math.Round(score*1e9) / 1e9

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
