// Package mailbox provides short-lived IMAP access for the ingestion
// pipeline: discovery of candidate message ids and bulk fetching of raw
// message bytes in bounded batches. Connections are deliberately
// single-use — one per discovery pass, one per fetch batch — to work
// around provider idle-timeout and quota behavior and to bound the
// blast radius of a stuck connection.
package mailbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// SyncMode selects which messages a discovery pass considers.
type SyncMode string

const (
	// ModeUnread discovers unseen messages from the last 90 days.
	ModeUnread SyncMode = "unread"

	// ModeLatest discovers all messages, newest first, up to the
	// caller-provided limit.
	ModeLatest SyncMode = "latest"

	// ModeRecent discovers only today's messages. Used for low-latency
	// re-sync polling.
	ModeRecent SyncMode = "recent"
)

// ValidMode reports whether s names a supported sync mode.
func ValidMode(s string) (SyncMode, bool) {
	switch SyncMode(s) {
	case ModeUnread, ModeLatest, ModeRecent:
		return SyncMode(s), true
	}
	return "", false
}

// Credentials holds everything needed to open one authenticated
// connection to a mailbox.
type Credentials struct {
	// Host is the IMAP server hostname (e.g., "imap.gmail.com").
	Host string

	// Port is the IMAP server port. 993 for IMAPS.
	Port int

	// Username is the IMAP login, typically the mailbox address.
	Username string

	// Password is the IMAP secret (account password or app password).
	Password string

	// TLS controls whether the connection uses implicit TLS.
	TLS bool

	// Folder is the mailbox to sync. Empty means "INBOX".
	Folder string
}

// Validate checks that the credentials are complete enough to dial.
func (c Credentials) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("mailbox: host is required")
	}
	if c.Username == "" {
		return fmt.Errorf("mailbox: username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("mailbox: password is required")
	}
	return nil
}

// Addr returns the dial address, defaulting the port to 993.
func (c Credentials) Addr() string {
	port := c.Port
	if port == 0 {
		port = 993
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// SearchCriteria describes one discovery search.
type SearchCriteria struct {
	// Since restricts the search to messages on or after this date.
	// Zero means no date restriction.
	Since time.Time

	// UnseenOnly restricts the search to messages without \Seen.
	UnseenOnly bool
}

// RawMessage is one fetched message body, keyed by its provider UID
// within the discovery session. It lives only across fetch → parse.
type RawMessage struct {
	UID  uint32
	Data []byte
}

// Session is one single-use mailbox connection. Implementations select
// the target folder at dial time; each session serves exactly one
// logical operation (a search or one batch fetch) and is then closed.
type Session interface {
	// Search returns the UIDs matching the criteria in mailbox order
	// (oldest first, as the server reports them).
	Search(ctx context.Context, crit SearchCriteria) ([]uint32, error)

	// FetchBodies fetches the raw bytes for the given UIDs. Messages
	// whose body cannot be read are simply absent from the result; a
	// session deadline yields the partially-collected result rather
	// than an error.
	FetchBodies(ctx context.Context, uids []uint32) (map[uint32][]byte, error)

	// Close logs out and releases the connection.
	Close() error
}

// DialFunc opens a new authenticated Session. The production
// implementation is Dial; tests substitute fakes.
type DialFunc func(ctx context.Context, creds Credentials) (Session, error)

// AuthError indicates the server rejected the supplied credentials.
// It is fatal for the whole sync run.
type AuthError struct {
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("mailbox: authentication failed for %s: %v", e.Username, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// drainLiteral reads and discards the remainder of an IMAP literal so
// the protocol stream stays in sync. Nil readers are handled.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}
