package ingest

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateContentWithinLimit(t *testing.T) {
	s := strings.Repeat("a", 100)
	if got := TruncateContent(s, 100); got != s {
		t.Errorf("body within limit was modified: len=%d", len(got))
	}
}

func TestTruncateContentOverLimit(t *testing.T) {
	s := strings.Repeat("a", 1000)
	got := TruncateContent(s, 100)

	if !strings.HasSuffix(got, truncationMarker) {
		t.Fatalf("missing marker: %q", got[len(got)-30:])
	}
	body := strings.TrimSuffix(got, truncationMarker)
	if len(body) != 90 {
		t.Errorf("body cut to %d bytes, want 90", len(body))
	}
	if len(got) > 100+len(truncationMarker) {
		t.Errorf("result length %d exceeds limit plus marker", len(got))
	}
}

func TestTruncateContentRuneBoundary(t *testing.T) {
	// Multi-byte runes: the cut point (90% of 100 = byte 90) lands
	// mid-rune and must back off.
	s := strings.Repeat("é", 200) // 2 bytes each
	got := TruncateContent(s, 100)

	body := strings.TrimSuffix(got, truncationMarker)
	if !utf8.ValidString(body) {
		t.Error("truncation split a rune")
	}
	if len(body) > 90 {
		t.Errorf("body is %d bytes, want <= 90", len(body))
	}
}

func TestTruncateContentExactLimit(t *testing.T) {
	s := strings.Repeat("x", ContentByteLimit)
	if got := TruncateContent(s, ContentByteLimit); got != s {
		t.Error("body exactly at limit was modified")
	}
}
