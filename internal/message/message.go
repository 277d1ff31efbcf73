// Package message parses raw RFC 5322 message bytes into the
// normalized structure the ingestion pipeline persists: headers,
// plain-text and HTML bodies, and a partition of MIME parts into
// regular attachments and inline (CID-addressed) content.
package message

import (
	"strings"
	"time"
)

// Address is one mailbox participant.
type Address struct {
	// Email is the bare address (user@example.com).
	Email string

	// Name is the display name, if the header carried one.
	Name string
}

// Attachment is a regular (non-inline) MIME part destined for durable
// storage. Data is transient; it is dropped once uploaded.
type Attachment struct {
	Filename string
	MimeType string
	Size     int64
	Data     []byte
}

// InlinePart is a MIME part referenced (or referenceable) from the
// HTML body via a Content-ID. It is consumed during HTML rewriting and
// never persisted directly.
type InlinePart struct {
	// CID is the Content-ID without angle brackets. May be empty —
	// some senders ship inline images with no Content-ID at all.
	CID string

	// ContentType is the part's media type (e.g., "image/png").
	ContentType string

	// Filename is the part's filename, if any.
	Filename string

	Data []byte
}

// Parsed is one normalized mailbox message.
type Parsed struct {
	// MessageID is the globally-unique deduplication key. When the
	// source message lacks a Message-ID header, a synthesized id is
	// generated (see Parse).
	MessageID string

	Subject string
	From    Address
	To      []string
	Date    time.Time

	// TextContent and HTMLContent are the first text/plain and
	// text/html bodies found. Empty when absent.
	TextContent string
	HTMLContent string

	// RawHeaders maps canonicalized header names to their decoded
	// values. Use Header for case-insensitive lookup.
	RawHeaders map[string]string

	// InReplyTo and References carry the threading chain used as the
	// thread-resolution hint.
	InReplyTo  []string
	References []string

	Attachments []Attachment
	InlineParts []InlinePart
}

// Header returns the value for name, matching case-insensitively.
func (p *Parsed) Header(name string) string {
	if v, ok := p.RawHeaders[canonicalHeaderKey(name)]; ok {
		return v
	}
	for k, v := range p.RawHeaders {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// HasAttachments reports whether the message carries any regular
// attachments.
func (p *Parsed) HasAttachments() bool {
	return len(p.Attachments) > 0
}
