package message

import (
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
)

// Real-world mail uses every charset label under the sun; the default
// go-message reader rejects anything it does not know. Route charset
// decoding through x/net so legacy labels degrade gracefully instead
// of failing the parse.
func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// syntheticDomain is the placeholder domain for synthesized message
// ids (messages whose source lacks a Message-ID header).
const syntheticDomain = "sync.generated"

// Parse parses raw message bytes into a Parsed. seq is the message's
// position within the discovery run; it feeds the synthesized
// message id so that two id-less messages in one run never collide.
// Returns an error on unparseable input — the caller skips the message
// and continues.
func Parse(raw []byte, seq int) (*Parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}

	p := &Parsed{
		RawHeaders: headerMap(&mr.Header),
	}

	if subject, err := mr.Header.Subject(); err == nil {
		p.Subject = subject
	} else {
		p.Subject = mr.Header.Get("Subject")
	}
	if date, err := mr.Header.Date(); err == nil {
		p.Date = date
	}
	if p.Date.IsZero() {
		p.Date = time.Now()
	}

	if list, err := mr.Header.AddressList("From"); err == nil && len(list) > 0 {
		p.From = Address{Email: list[0].Address, Name: list[0].Name}
	}
	if list, err := mr.Header.AddressList("To"); err == nil {
		for _, a := range list {
			p.To = append(p.To, a.Address)
		}
	}

	if id, err := mr.Header.MessageID(); err == nil && id != "" {
		p.MessageID = id
	} else {
		p.MessageID = synthesizeMessageID(seq)
	}
	if refs, err := mr.Header.MsgIDList("References"); err == nil {
		p.References = refs
	}
	if irt, err := mr.Header.MsgIDList("In-Reply-To"); err == nil {
		p.InReplyTo = irt
	}

	if err := walkParts(mr, p); err != nil {
		return nil, err
	}

	return p, nil
}

// walkParts iterates the MIME structure, filling bodies, attachments,
// and inline parts. Charset warnings from go-message are tolerated —
// the content may be slightly garbled but is still worth storing.
func walkParts(mr *mail.Reader, p *Parsed) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			contentType = strings.ToLower(contentType)

			switch {
			case strings.HasPrefix(contentType, "text/plain") && p.TextContent == "":
				body, readErr := io.ReadAll(part.Body)
				if readErr != nil {
					continue
				}
				p.TextContent = string(body)

			case strings.HasPrefix(contentType, "text/html") && p.HTMLContent == "":
				body, readErr := io.ReadAll(part.Body)
				if readErr != nil {
					continue
				}
				p.HTMLContent = string(body)

			default:
				// Non-text inline content (images, video) referenced
				// from the HTML by Content-ID.
				data, readErr := io.ReadAll(part.Body)
				if readErr != nil || len(data) == 0 {
					continue
				}
				p.InlineParts = append(p.InlineParts, InlinePart{
					CID:         contentID(h.Header.Get("Content-Id")),
					ContentType: contentType,
					Filename:    inlineFilename(h),
					Data:        data,
				})
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			contentType = strings.ToLower(contentType)
			if contentType == "" {
				contentType = "application/octet-stream"
			}

			data, readErr := io.ReadAll(part.Body)
			if readErr != nil || len(data) == 0 {
				continue
			}

			// Attachment-disposition parts that carry a Content-ID are
			// really inline content some clients mislabel.
			if cid := contentID(h.Header.Get("Content-Id")); cid != "" {
				p.InlineParts = append(p.InlineParts, InlinePart{
					CID:         cid,
					ContentType: contentType,
					Filename:    filename,
					Data:        data,
				})
				continue
			}

			if filename == "" {
				filename = fmt.Sprintf("attachment-%d.bin", len(p.Attachments)+1)
			}
			p.Attachments = append(p.Attachments, Attachment{
				Filename: filename,
				MimeType: contentType,
				Size:     int64(len(data)),
				Data:     data,
			})
		}
	}
	return nil
}

// headerMap flattens the top-level header into a canonical-key map.
func headerMap(h *mail.Header) map[string]string {
	out := make(map[string]string)
	fields := h.Fields()
	for fields.Next() {
		key := canonicalHeaderKey(fields.Key())
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		if _, exists := out[key]; !exists {
			out[key] = value
		}
	}
	return out
}

func canonicalHeaderKey(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// contentID strips the angle brackets from a Content-ID header value.
func contentID(raw string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), "<>"))
}

// inlineFilename extracts a filename from an inline part header, which
// go-message only exposes on attachment headers.
func inlineFilename(h *mail.InlineHeader) string {
	_, params, err := h.ContentType()
	if err == nil {
		if name := params["name"]; name != "" {
			return name
		}
	}
	return ""
}

// synthesizeMessageID builds a deduplication key for messages with no
// Message-ID header. The timestamp plus the per-run sequence number
// keeps ids unique across and within discovery runs.
func synthesizeMessageID(seq int) string {
	return fmt.Sprintf("%d-%d@%s", time.Now().UnixNano(), seq, syntheticDomain)
}
