// Package store persists ingested messages and their attachments in
// SQLite. The unique index on message_id is the pipeline's sole
// idempotency and concurrency-safety mechanism: concurrent or repeated
// ingestion of the same message collapses to one row, and a
// duplicate-key violation on insert signals "already exists", not
// failure.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// ErrDuplicate reports an insert that collided with an existing
// message_id. Callers treat it as success.
var ErrDuplicate = errors.New("store: message already exists")

// Message is one persisted mailbox message.
type Message struct {
	// ID is the internal record id, generated once at creation.
	ID string

	// MessageID is the global deduplication key (unique per scope).
	MessageID string

	// TenantID and StoreID scope the record. The pipeline passes them
	// through without interpreting them.
	TenantID string
	StoreID  string

	// ThreadID is the resolved conversation id. Empty until resolved.
	ThreadID string

	FromEmail string
	FromName  string
	To        []string
	Subject   string

	// TextContent and HTMLContent are size-bounded; HTMLContent is
	// stored post-rewrite. Empty means absent.
	TextContent string
	HTMLContent string

	RawHeaders map[string]string

	Read           bool
	Processed      bool
	HasAttachments bool

	// CreatedAt carries the message's own date, not ingestion time.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Attachment is one stored attachment row owned by a message.
type Attachment struct {
	ID        string
	MessageID string // internal Message.ID, not the RFC Message-ID
	Filename  string
	MimeType  string
	Size      int64
	URL       string
	Handle    string
	CreatedAt time.Time
}

// Store manages message persistence in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and runs
// migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// EnsureID assigns the record id if not yet set and returns it. The
// pipeline fixes the id before creation so uploads can be scoped to it.
func (m *Message) EnsureID() string {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return m.ID
}

// DB exposes the underlying handle so sibling stores (thread
// resolution) can share one database file.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			store_id TEXT NOT NULL DEFAULT '',
			thread_id TEXT,
			from_email TEXT NOT NULL DEFAULT '',
			from_name TEXT NOT NULL DEFAULT '',
			to_addrs TEXT NOT NULL DEFAULT '[]',
			subject TEXT NOT NULL DEFAULT '',
			text_content TEXT,
			html_content TEXT,
			raw_headers TEXT NOT NULL DEFAULT '{}',
			read INTEGER NOT NULL DEFAULT 0,
			processed INTEGER NOT NULL DEFAULT 0,
			has_attachments INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_message_id
			ON messages(tenant_id, store_id, message_id);
		CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
		CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);

		CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			message_rec_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			filename TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			url TEXT NOT NULL DEFAULT '',
			handle TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_rec_id);
	`)
	return err
}

const messageColumns = `id, message_id, tenant_id, store_id, thread_id, from_email, from_name,
	to_addrs, subject, text_content, html_content, raw_headers,
	read, processed, has_attachments, created_at, updated_at`

// Create inserts a new message. The record id is generated here when
// empty. A collision on (tenant_id, store_id, message_id) returns
// ErrDuplicate.
func (s *Store) Create(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	toJSON, err := json.Marshal(emptySlice(m.To))
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	headersJSON, err := json.Marshal(emptyMap(m.RawHeaders))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.MessageID, m.TenantID, m.StoreID, nullable(m.ThreadID),
		m.FromEmail, m.FromName, string(toJSON), m.Subject,
		nullable(m.TextContent), nullable(m.HTMLContent), string(headersJSON),
		m.Read, m.Processed, m.HasAttachments,
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
		m.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert message %s: %w", m.MessageID, err)
	}
	return nil
}

// FindByMessageID returns the message with the given deduplication key
// within the scope, or nil when absent.
func (s *Store) FindByMessageID(ctx context.Context, tenantID, storeID, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE tenant_id = ? AND store_id = ? AND message_id = ?`,
		tenantID, storeID, messageID)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message %s: %w", messageID, err)
	}
	return m, nil
}

// ExistingByMessageID returns the subset of messageIDs already present
// in the scope, mapped to their stored records. Used by the
// classification step to split a fetch result into new / existing.
func (s *Store) ExistingByMessageID(ctx context.Context, tenantID, storeID string, messageIDs []string) (map[string]*Message, error) {
	out := make(map[string]*Message)
	if len(messageIDs) == 0 {
		return out, nil
	}

	// SQLite caps bound parameters; chunk the lookup.
	const chunk = 500
	for start := 0; start < len(messageIDs); start += chunk {
		end := min(start+chunk, len(messageIDs))
		ids := messageIDs[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
		args := make([]any, 0, len(ids)+2)
		args = append(args, tenantID, storeID)
		for _, id := range ids {
			args = append(args, id)
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE tenant_id = ? AND store_id = ? AND message_id IN (`+placeholders+`)`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("lookup existing messages: %w", err)
		}
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan existing message: %w", err)
			}
			out[m.MessageID] = m
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// UpdateContent patches a message's bodies and flags after
// reprocessing or thread resolution. Fields are overwritten as given.
func (s *Store) UpdateContent(ctx context.Context, m *Message) error {
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET thread_id = ?, text_content = ?, html_content = ?,
			processed = ?, has_attachments = ?, updated_at = ?
		WHERE id = ?`,
		nullable(m.ThreadID), nullable(m.TextContent), nullable(m.HTMLContent),
		m.Processed, m.HasAttachments,
		m.UpdatedAt.Format(time.RFC3339Nano), m.ID)
	if err != nil {
		return fmt.Errorf("update message %s: %w", m.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update message %s: no such record", m.ID)
	}
	return nil
}

// CreateAttachment inserts one attachment row for a stored message.
func (s *Store) CreateAttachment(ctx context.Context, a *Attachment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, message_rec_id, filename, mime_type, size, url, handle, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, a.Filename, a.MimeType, a.Size, a.URL, a.Handle,
		a.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert attachment %s: %w", a.Filename, err)
	}
	return nil
}

// AttachmentsForMessage lists a message's attachments, oldest first.
func (s *Store) AttachmentsForMessage(ctx context.Context, messageRecID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_rec_id, filename, mime_type, size, url, handle, created_at
		FROM attachments WHERE message_rec_id = ? ORDER BY created_at, id`,
		messageRecID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		var createdAt string
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.MimeType, &a.Size, &a.URL, &a.Handle, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountByScope returns how many messages the scope holds. Used by
// tests and the CLI status output.
func (s *Store) CountByScope(ctx context.Context, tenantID, storeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE tenant_id = ? AND store_id = ?`,
		tenantID, storeID).Scan(&n)
	return n, err
}

// scanner abstracts *sql.Row and *sql.Rows for scanMessage.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	var threadID, textContent, htmlContent sql.NullString
	var toJSON, headersJSON, createdAt, updatedAt string

	err := row.Scan(&m.ID, &m.MessageID, &m.TenantID, &m.StoreID, &threadID,
		&m.FromEmail, &m.FromName, &toJSON, &m.Subject,
		&textContent, &htmlContent, &headersJSON,
		&m.Read, &m.Processed, &m.HasAttachments, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	m.ThreadID = threadID.String
	m.TextContent = textContent.String
	m.HTMLContent = htmlContent.String
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)

	if err := json.Unmarshal([]byte(toJSON), &m.To); err != nil {
		m.To = nil
	}
	if err := json.Unmarshal([]byte(headersJSON), &m.RawHeaders); err != nil {
		m.RawHeaders = nil
	}
	return &m, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullable maps "" to NULL so absent text fields stay distinguishable
// from empty ones.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
