// Package pdfutil provides PDF page counting and a local text-extraction
// fallback path for when OCR is unnecessary (text-layer PDFs) or
// unavailable.
package pdfutil

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/bobmcallan/invoicer/internal/common"
)

// maxExtractedChars bounds local text extraction the same way the OCR and
// LLM stages bound their own inputs, so a pathological PDF can't blow past
// the sanitizer's downstream truncation budget before it even gets there.
const maxExtractedChars = 200_000

// CountPages opens data as a PDF and returns its page count without
// extracting text, used by intake validation against the configured
// maxPages limit.
func CountPages(data []byte) (pageCount int, err error) {
	defer func() {
		if r := recover(); r != nil {
			pageCount = 0
			err = common.ErrFileValidation(fmt.Sprintf("corrupt PDF: %v", r))
		}
	}()

	r, sizeErr := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if sizeErr != nil {
		return 0, common.ErrFileValidation(fmt.Sprintf("failed to open PDF: %v", sizeErr))
	}
	return r.NumPage(), nil
}

// ExtractText extracts the plain text layer of a PDF, recovering from
// panics raised by corrupt or malformed documents the way filings
// extraction does.
func ExtractText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("panic during PDF text extraction: %v", r)
		}
	}()

	r, openErr := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if openErr != nil {
		return "", fmt.Errorf("failed to open PDF: %w", openErr)
	}

	var sb strings.Builder
	totalPages := r.NumPage()
	for i := 1; i <= totalPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}

		pageText, pageErr := page.GetPlainText(nil)
		if pageErr != nil {
			continue
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")

		if sb.Len() > maxExtractedChars {
			break
		}
	}

	result := sb.String()
	if len(result) > maxExtractedChars {
		result = result[:maxExtractedChars]
	}
	return result, nil
}

// HasTextLayer reports whether a locally-extracted text layer is
// substantial enough to skip OCR entirely — a cheap heuristic (non-trivial
// character count) rather than a full layout analysis.
func HasTextLayer(text string) bool {
	return len(strings.TrimSpace(text)) > 40
}
