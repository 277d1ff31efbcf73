package ingest

import "unicode/utf8"

const (
	// ContentByteLimit bounds each stored body (text or HTML)
	// independently.
	ContentByteLimit = 60 * 1024

	// truncationMarker is appended to any body that was cut.
	truncationMarker = "\n\n[Content truncated]"
)

// TruncateContent enforces the per-body byte budget. A body within the
// limit passes through untouched. An oversized body is cut down to 90%
// of the limit — backed off to a UTF-8 rune boundary so no character is
// split — and the truncation marker is appended. The 10% headroom keeps
// the marker itself from pushing the result back over the limit.
//
// Callers must truncate only after inline rewriting: the short durable
// URLs produced by rewriting survive budgeting, where the original
// base64 payloads would have been cut mid-blob.
func TruncateContent(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	cut := limit * 9 / 10
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}
