package ingest

import (
	"context"
	"log/slog"

	"github.com/shubhankar-shipowl/help-desk-sub001/internal/message"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/storage"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/store"
)

// Uploader stores a message's regular attachments and records them
// against the owning message row. Uploads are best-effort: a failed
// upload is logged and skipped without failing the message.
type Uploader struct {
	blobs    storage.BlobStore
	messages *store.Store
	logger   *slog.Logger
}

// NewUploader creates an Uploader writing blobs to blobs and rows to
// messages.
func NewUploader(blobs storage.BlobStore, messages *store.Store, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{blobs: blobs, messages: messages, logger: logger}
}

// UploadAll uploads atts for the stored message with record id
// messageRecID and returns how many succeeded.
func (u *Uploader) UploadAll(ctx context.Context, messageRecID string, atts []message.Attachment) int {
	uploaded := 0
	for _, att := range atts {
		obj, err := u.blobs.Upload(ctx, att.Data, att.Filename, att.MimeType, messageRecID)
		if err != nil {
			u.logger.Warn("attachment upload failed, skipping",
				"message", messageRecID, "filename", att.Filename, "error", err)
			continue
		}

		err = u.messages.CreateAttachment(ctx, &store.Attachment{
			MessageID: messageRecID,
			Filename:  att.Filename,
			MimeType:  att.MimeType,
			Size:      att.Size,
			URL:       obj.URL,
			Handle:    obj.Handle,
		})
		if err != nil {
			u.logger.Warn("attachment row insert failed",
				"message", messageRecID, "filename", att.Filename, "error", err)
			continue
		}
		uploaded++
	}
	return uploaded
}
