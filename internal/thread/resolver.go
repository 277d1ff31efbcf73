// Package thread groups related messages into conversations. A
// message joins the thread of anything it references; failing that, a
// thread is matched by normalized subject and counterpart address
// within the tenant scope, and created on miss.
package thread

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Hints carries the identifying fields used to resolve a message to a
// thread.
type Hints struct {
	TenantID string
	StoreID  string

	// MessageID is registered against the resolved thread so later
	// replies referencing it land in the same thread.
	MessageID string

	// InReplyTo and References are the RFC threading chains, most
	// recent ancestor last.
	InReplyTo  []string
	References []string

	// Subject is the raw subject line; reply/forward prefixes are
	// stripped before matching.
	Subject string

	// Participant is the counterpart address (the customer).
	Participant string
}

// Resolver resolves a message to its conversation id, creating one
// when no existing thread matches.
type Resolver interface {
	Resolve(ctx context.Context, h Hints) (string, error)
}

// SQLResolver is a Resolver backed by the same SQLite database as the
// message store.
type SQLResolver struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLResolver creates the resolver and its tables on db.
func NewSQLResolver(db *sql.DB, logger *slog.Logger) (*SQLResolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &SQLResolver{db: db, logger: logger}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("migrate threads: %w", err)
	}
	return r, nil
}

func (r *SQLResolver) migrate() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			store_id TEXT NOT NULL DEFAULT '',
			subject_norm TEXT NOT NULL DEFAULT '',
			participant TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_threads_subject
			ON threads(tenant_id, store_id, subject_norm, participant);

		CREATE TABLE IF NOT EXISTS thread_messages (
			message_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id)
		);
	`)
	return err
}

// Resolve finds or creates the thread for the hinted message.
// Resolution order: a thread already holding any referenced
// message-id (walked most-recent first), then a subject+participant
// match, then a new thread. The message-id is registered either way,
// so the same reply chain always converges on one thread.
func (r *SQLResolver) Resolve(ctx context.Context, h Hints) (string, error) {
	if id, err := r.byReferences(ctx, h); err != nil {
		return "", err
	} else if id != "" {
		r.register(ctx, h.MessageID, id)
		return id, nil
	}

	subjectNorm := NormalizeSubject(h.Subject)

	if subjectNorm != "" {
		var id string
		err := r.db.QueryRowContext(ctx, `
			SELECT id FROM threads
			WHERE tenant_id = ? AND store_id = ? AND subject_norm = ? AND participant = ?
			ORDER BY created_at DESC LIMIT 1`,
			h.TenantID, h.StoreID, subjectNorm, strings.ToLower(h.Participant)).Scan(&id)
		if err == nil {
			r.register(ctx, h.MessageID, id)
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("thread subject lookup: %w", err)
		}
	}

	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO threads (id, tenant_id, store_id, subject_norm, participant, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, h.TenantID, h.StoreID, subjectNorm, strings.ToLower(h.Participant),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	r.register(ctx, h.MessageID, id)

	r.logger.Debug("thread created", "thread_id", id, "subject", subjectNorm)
	return id, nil
}

// byReferences walks In-Reply-To plus References, most recent ancestor
// first, and returns the first thread already holding one of them.
func (r *SQLResolver) byReferences(ctx context.Context, h Hints) (string, error) {
	chain := make([]string, 0, len(h.InReplyTo)+len(h.References))
	chain = append(chain, h.InReplyTo...)
	for i := len(h.References) - 1; i >= 0; i-- {
		chain = append(chain, h.References[i])
	}

	for _, ref := range chain {
		ref = strings.TrimSpace(strings.Trim(ref, "<>"))
		if ref == "" {
			continue
		}
		var id string
		err := r.db.QueryRowContext(ctx,
			`SELECT thread_id FROM thread_messages WHERE message_id = ?`, ref).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("thread reference lookup: %w", err)
		}
	}
	return "", nil
}

// register maps a message-id to its thread. Best-effort: a re-ingested
// message-id is already registered and the conflict is ignored.
func (r *SQLResolver) register(ctx context.Context, messageID, threadID string) {
	if messageID == "" {
		return
	}
	messageID = strings.TrimSpace(strings.Trim(messageID, "<>"))
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO thread_messages (message_id, thread_id) VALUES (?, ?)`,
		messageID, threadID)
	if err != nil {
		r.logger.Warn("thread registration failed", "message_id", messageID, "error", err)
	}
}

// replyPrefix strips stacked Re:/Fwd:/Fw: markers, including
// bracketed counters like "Re[2]:".
var replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd?|aw|sv)(\[\d+\])?:\s*`)

// NormalizeSubject lowercases and strips reply prefixes and
// whitespace so that a reply matches its origin.
func NormalizeSubject(s string) string {
	s = strings.TrimSpace(s)
	for {
		stripped := replyPrefix.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
