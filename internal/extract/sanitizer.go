// Package extract implements the pure, no-external-calls stages between raw
// OCR text and a structured InvoiceRecord: text sanitization, tolerant
// parsing of the LLM's reply, and confidence scoring.
package extract

import (
	"regexp"
	"strings"
)

// noisePatterns matches common page-furniture lines (page numbers, running
// headers) the sanitizer strips before the text ever reaches the LLM.
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*page\s+\d+\s*(of\s+\d+)?\s*$`),
	regexp.MustCompile(`^\s*\d+\s*/\s*\d+\s*$`),
	regexp.MustCompile(`^\s*-\s*\d+\s*-\s*$`),
	regexp.MustCompile(`(?i)^\s*confidential\s*$`),
}

// SanitizeOptions configures the sanitizer stage. ZoneStripTop,
// ZoneStripBottom and MaxChars are filled from LifecycleConfig's
// ZoneStripTop, ZoneStripBottom and PreprocessMaxChars; LinesPerPage has no
// LifecycleConfig counterpart.
type SanitizeOptions struct {
	ZoneStripTop    int
	ZoneStripBottom int
	MaxChars        int
	// LinesPerPage estimates a page boundary for zone stripping when the
	// caller only has one concatenated text blob (no per-page split).
	// Zero disables zone stripping.
	LinesPerPage int
}

// Sanitize normalizes raw OCR text: line-ending/whitespace normalization,
// optional top/bottom zone stripping per page, denylist noise removal, and
// whole-line truncation to MaxChars.
func Sanitize(raw string, opts SanitizeOptions) string {
	lines := normalizeLines(raw)

	if opts.LinesPerPage > 0 && (opts.ZoneStripTop > 0 || opts.ZoneStripBottom > 0) {
		lines = stripZones(lines, opts.LinesPerPage, opts.ZoneStripTop, opts.ZoneStripBottom)
	}

	lines = removeNoise(lines)

	return truncateByLine(lines, opts.MaxChars)
}

// normalizeLines splits raw text into lines, normalizing CRLF/CR to LF and
// trimming trailing whitespace while preserving line breaks and indentation
// meaningful to the parser (leading whitespace is kept).
func normalizeLines(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	rawLines := strings.Split(raw, "\n")

	lines := make([]string, 0, len(rawLines))
	for _, l := range rawLines {
		lines = append(lines, strings.TrimRight(l, " \t"))
	}
	return lines
}

// stripZones removes the first topN and last bottomN lines of each
// LinesPerPage-sized chunk, approximating per-page header/footer zones over
// a single concatenated text blob.
func stripZones(lines []string, linesPerPage, topN, bottomN int) []string {
	var out []string
	for start := 0; start < len(lines); start += linesPerPage {
		end := start + linesPerPage
		if end > len(lines) {
			end = len(lines)
		}
		page := lines[start:end]

		lo := topN
		if lo > len(page) {
			lo = len(page)
		}
		hi := len(page) - bottomN
		if hi < lo {
			hi = lo
		}
		out = append(out, page[lo:hi]...)
	}
	return out
}

// removeNoise drops lines matching the denylist of page-number/header
// patterns.
func removeNoise(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if isNoise(l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

func isNoise(line string) bool {
	for _, p := range noisePatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// truncateByLine rejoins lines with "\n", truncating to maxChars without
// ever cutting a line in half. maxChars <= 0 disables truncation.
func truncateByLine(lines []string, maxChars int) string {
	if maxChars <= 0 {
		return strings.Join(lines, "\n")
	}

	var sb strings.Builder
	for i, l := range lines {
		addition := l
		if i > 0 {
			addition = "\n" + l
		}
		if sb.Len()+len(addition) > maxChars {
			break
		}
		sb.WriteString(addition)
	}
	return sb.String()
}
