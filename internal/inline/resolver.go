// Package inline rewrites HTML message bodies so that embedded
// content — base64 data URIs and cid: references into the message's
// own MIME parts — points at durably-stored copies instead. Rewriting
// runs before any size budgeting so that the short replacement URLs
// survive even when the original embedded payloads vastly exceed the
// storage budget.
package inline

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/shubhankar-shipowl/help-desk-sub001/internal/message"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/storage"
)

// Upload describes one asset stored as a side effect of rewriting.
// The caller persists these as attachment rows on the owning message.
type Upload struct {
	Filename string
	MimeType string
	Size     int64
	Handle   string
	URL      string
}

// Result is the outcome of one Rewrite call.
type Result struct {
	HTML    string
	Uploads []Upload
}

// Resolver rewrites inline content against a blob store.
type Resolver struct {
	blobs  storage.BlobStore
	logger *slog.Logger
}

// NewResolver creates a Resolver that uploads via blobs.
func NewResolver(blobs storage.BlobStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{blobs: blobs, logger: logger}
}

// srcDataURI matches a src attribute whose value is a base64 image or
// video data URI. Groups: 1 quote, 2 full URI, 3 media kind,
// 4 subtype, 5 payload, 6 closing quote.
var srcDataURI = regexp.MustCompile(`(?i)src\s*=\s*(["'])(data:(image|video)/([a-z0-9.+-]+);base64,([^"']*))(["'])`)

// srcCID matches an img or video tag with a cid: src reference.
// Groups: 1 tag name, 2 content id.
var srcCID = regexp.MustCompile(`(?i)<(img|video)\b[^>]*\bsrc\s*=\s*["']cid:([^"']+)["']`)

// Rewrite replaces embedded content in html with durable URLs,
// uploading new assets as a side effect. ownerID scopes the uploads to
// the owning message. Both passes run when needed, data URIs first.
// Every failure is per-reference: an undecodable payload or failed
// upload leaves that reference as-is, and the rest proceed.
func (r *Resolver) Rewrite(ctx context.Context, html, ownerID string, parts []message.InlinePart) Result {
	res := Result{HTML: html}
	if html == "" {
		return res
	}

	lower := strings.ToLower(html)
	hasDataURI := strings.Contains(lower, "data:image") || strings.Contains(lower, "data:video")
	hasCID := strings.Contains(lower, "cid:")
	if !hasDataURI && !hasCID {
		return res
	}

	if hasDataURI {
		res.HTML = r.rewriteDataURIs(ctx, res.HTML, ownerID, &res.Uploads)
	}
	if hasCID {
		res.HTML = r.rewriteCIDs(ctx, res.HTML, ownerID, parts, &res.Uploads)
	}
	return res
}

// rewriteDataURIs replaces each base64 data-URI src with the URL of a
// freshly uploaded copy of the decoded payload.
func (r *Resolver) rewriteDataURIs(ctx context.Context, html, ownerID string, uploads *[]Upload) string {
	count := 0
	return srcDataURI.ReplaceAllStringFunc(html, func(match string) string {
		groups := srcDataURI.FindStringSubmatch(match)
		if groups == nil {
			return match
		}
		quote, kind, subtype, payload := groups[1], groups[3], groups[4], groups[5]

		data, err := decodeBase64Payload(payload)
		if err != nil || len(data) == 0 {
			r.logger.Warn("undecodable data URI left in place", "owner", ownerID, "error", err)
			return match
		}

		count++
		mimeType := strings.ToLower(kind + "/" + subtype)
		filename := fmt.Sprintf("inline-%d%s", count, extForMime(mimeType))

		obj, err := r.blobs.Upload(ctx, data, filename, mimeType, ownerID)
		if err != nil {
			r.logger.Warn("inline upload failed, data URI left in place",
				"owner", ownerID, "mime_type", mimeType, "error", err)
			return match
		}

		*uploads = append(*uploads, Upload{
			Filename: filename,
			MimeType: mimeType,
			Size:     int64(len(data)),
			Handle:   obj.Handle,
			URL:      obj.URL,
		})
		return "src=" + quote + obj.URL + quote
	})
}

// rewriteCIDs resolves cid: references against the message's own
// inline parts. Exact Content-ID matches win; a reference with no
// exact match falls back to the first unused part of a compatible
// media kind. Unresolvable references are left unchanged.
func (r *Resolver) rewriteCIDs(ctx context.Context, html, ownerID string, parts []message.InlinePart, uploads *[]Upload) string {
	used := make([]bool, len(parts))
	resolved := make(map[string]string) // cid -> durable URL

	for _, groups := range srcCID.FindAllStringSubmatch(html, -1) {
		tag := strings.ToLower(groups[1])
		cid := groups[2]
		if _, done := resolved[cid]; done {
			continue
		}

		idx := matchPart(parts, used, cid, tag)
		if idx < 0 {
			r.logger.Debug("cid reference has no matching inline part", "owner", ownerID, "cid", cid)
			continue
		}
		part := parts[idx]

		filename := part.Filename
		if filename == "" {
			filename = fmt.Sprintf("inline-cid-%d%s", idx+1, extForMime(part.ContentType))
		}

		obj, err := r.blobs.Upload(ctx, part.Data, filename, part.ContentType, ownerID)
		if err != nil {
			r.logger.Warn("inline part upload failed, cid left in place",
				"owner", ownerID, "cid", cid, "error", err)
			continue
		}
		used[idx] = true
		resolved[cid] = obj.URL

		*uploads = append(*uploads, Upload{
			Filename: filename,
			MimeType: part.ContentType,
			Size:     int64(len(part.Data)),
			Handle:   obj.Handle,
			URL:      obj.URL,
		})
	}

	for cid, url := range resolved {
		html = strings.ReplaceAll(html, "cid:"+cid, url)
	}
	return html
}

// matchPart finds the inline part for a cid reference: exact
// Content-ID first, then the first unused part whose media kind
// matches the referencing tag (img wants image/*, video wants
// video/*). Returns -1 when nothing fits.
func matchPart(parts []message.InlinePart, used []bool, cid, tag string) int {
	for i, p := range parts {
		if p.CID != "" && p.CID == cid {
			return i
		}
	}

	wantPrefix := "image/"
	if tag == "video" {
		wantPrefix = "video/"
	}
	for i, p := range parts {
		if used[i] {
			continue
		}
		if strings.HasPrefix(strings.ToLower(p.ContentType), wantPrefix) {
			return i
		}
	}
	return -1
}

// decodeBase64Payload decodes a data-URI payload, tolerating embedded
// whitespace and missing padding.
func decodeBase64Payload(payload string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, payload)

	if data, err := base64.StdEncoding.DecodeString(cleaned); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
}

// extForMime picks a filename extension for a media type.
func extForMime(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/svg+xml":
		return ".svg"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	default:
		return ".bin"
	}
}
