// Package storage provides durable blob storage for message
// attachments and inline content. Uploads are append-only and keyed by
// freshly generated names, so concurrent sync runs never contend.
package storage

import "context"

// URLPathPrefix is the path segment under which stored objects are
// served. The ingestion pipeline also uses it as the marker that an
// HTML body has already been rewritten to durable URLs.
const URLPathPrefix = "/attachments/"

// Object identifies one stored blob: an opaque handle for later
// download/delete, and a stable URL servable by the web layer.
type Object struct {
	Handle string
	URL    string
}

// BlobStore is the durable-storage capability consumed by the
// pipeline. Upload is a single awaitable call that either returns a
// normalized Object or fails — there is no "maybe it succeeded" state
// to poll for.
type BlobStore interface {
	Upload(ctx context.Context, data []byte, filename, mimeType, ownerID string) (Object, error)
	Download(ctx context.Context, handle string) ([]byte, error)
	Delete(ctx context.Context, handle string) error
}
