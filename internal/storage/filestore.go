package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileStore is a filesystem-backed BlobStore. Objects are written
// under a single content directory with uuid-derived names; the
// servable URL is baseURL + URLPathPrefix + name.
type FileStore struct {
	dir     string
	baseURL string
	logger  *slog.Logger
}

// NewFileStore creates (if needed) the content directory and returns a
// store serving URLs under baseURL.
func NewFileStore(dir, baseURL string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return nil, fmt.Errorf("storage: content directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create content directory: %w", err)
	}
	return &FileStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}, nil
}

// Upload writes data under a fresh uuid-derived name. The original
// filename contributes only its extension; the name itself is never
// trusted.
func (s *FileStore) Upload(ctx context.Context, data []byte, filename, mimeType, ownerID string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	name := uuid.NewString() + safeExt(filename)
	path := filepath.Join(s.dir, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Object{}, fmt.Errorf("write blob %s: %w", name, err)
	}

	s.logger.Debug("blob stored",
		"handle", name,
		"bytes", len(data),
		"mime_type", mimeType,
		"owner", ownerID,
	)

	return Object{
		Handle: name,
		URL:    s.baseURL + URLPathPrefix + name,
	}, nil
}

// Download reads a stored blob by handle.
func (s *FileStore) Download(ctx context.Context, handle string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(handle)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", handle, err)
	}
	return data, nil
}

// Delete removes a stored blob. Deleting an absent handle is an error;
// the caller decides whether that matters.
func (s *FileStore) Delete(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete blob %s: %w", handle, err)
	}
	return nil
}

// resolve maps a handle back to its path, rejecting anything that
// would escape the content directory.
func (s *FileStore) resolve(handle string) (string, error) {
	if handle == "" || handle != filepath.Base(handle) {
		return "", fmt.Errorf("storage: invalid handle %q", handle)
	}
	return filepath.Join(s.dir, handle), nil
}

// safeExt returns a sanitized lowercase extension from filename, or
// empty when there is none worth keeping.
func safeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
