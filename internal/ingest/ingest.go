// Package ingest reads road-segment rows from agency CSV exports and Excel
// workbooks, driven by a YAML dataset registry.
package ingest

import (
	"regexp"
	"strings"
)

// Row is one input segment: an identifier, a road name, and the FROM/TO
// intersection descriptions.
type Row struct {
	ID   string
	Road string
	From string
	To   string
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	spanToRe     = regexp.MustCompile(`(?i)\s+to\s+`)
)

// clean collapses runs of whitespace (agency cells carry stray newlines) and
// trims the result.
func clean(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// SplitSpan splits agency location text like "Alabama Ave to Sheeler Ave"
// into FROM and TO. A case-insensitive " to " separator wins; spaced dashes
// are a fallback seen in older exports. Corner text like "A St & B St"
// names a single intersection, not a span, and reports false.
func SplitSpan(s string) (from, to string, ok bool) {
	if parts := spanToRe.Split(s, 2); len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true
	}
	for _, sep := range []string{" - ", " – ", " — "} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true
		}
	}
	return "", "", false
}

// cell returns the i-th cell or "" when the row is short.
func cell(cells []string, i int) string {
	if i < 0 || i >= len(cells) {
		return ""
	}
	return cells[i]
}

// isXLSX reports whether path names an Excel workbook.
func isXLSX(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".xlsx")
}

// isDigits reports whether s is non-empty and all ASCII digits.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
