package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

const (
	// connectTimeout bounds dial plus TLS handshake for one connection.
	connectTimeout = 30 * time.Second

	// fetchSessionTimeout bounds one batch fetch session. When it
	// expires the partially-collected bodies are returned, not
	// discarded.
	fetchSessionTimeout = 120 * time.Second

	// maxRawMessageSize caps how much of a single RFC822 literal is
	// buffered. The remainder is drained to keep the stream in sync.
	maxRawMessageSize = 25 * 1024 * 1024
)

// Conn is a single-use IMAP connection. It serves exactly one logical
// operation — a discovery search or one batch fetch — and is then
// closed. Conn implements Session.
type Conn struct {
	client  *imapclient.Client
	rawConn net.Conn
	logger  *slog.Logger
}

// Dial opens a connection, authenticates, and selects the target
// folder. Credential rejection is reported as *AuthError; everything
// else is a network error. The caller must Close the returned Conn.
func Dial(ctx context.Context, creds Credentials, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	addr := creds.Addr()
	dialer := &net.Dialer{Timeout: connectTimeout}

	var nc net.Conn
	var err error
	if creds.TLS || creds.Port == 0 || creds.Port == 993 {
		nc, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: creds.Host})
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	client := imapclient.New(nc, &imapclient.Options{})

	if err := client.Login(creds.Username, creds.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, &AuthError{Username: creds.Username, Err: err}
	}

	folder := creds.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}

	logger.Debug("mailbox connected", "host", creds.Host, "user", creds.Username, "folder", folder)

	return &Conn{client: client, rawConn: nc, logger: logger}, nil
}

// DialSession adapts Dial to the DialFunc signature.
func DialSession(logger *slog.Logger) DialFunc {
	return func(ctx context.Context, creds Credentials) (Session, error) {
		return Dial(ctx, creds, logger)
	}
}

// Search runs one UID search against the selected folder and returns
// the matching UIDs in server order.
func (c *Conn) Search(ctx context.Context, crit SearchCriteria) ([]uint32, error) {
	criteria := &imap.SearchCriteria{}
	if !crit.Since.IsZero() {
		criteria.Since = crit.Since
	}
	if crit.UnseenOnly {
		criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
	}

	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}

	uids := data.AllUIDs()
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		out = append(out, uint32(uid))
	}
	return out, nil
}

// FetchBodies fetches the full raw bytes for the given UIDs in one
// fetch session. Individual messages whose literal cannot be read are
// absent from the result. When the session deadline expires, the
// bodies collected so far are returned rather than discarded.
func (c *Conn) FetchBodies(ctx context.Context, uids []uint32) (map[uint32][]byte, error) {
	result := make(map[uint32][]byte, len(uids))
	if len(uids) == 0 {
		return result, nil
	}

	// Enforce the session budget at the socket. Reads past the
	// deadline fail, which surfaces as a fetch error below; collected
	// bodies are still returned.
	deadline := time.Now().Add(fetchSessionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.rawConn.SetDeadline(deadline)

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := c.client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var uid uint32
		var body []byte
		var bodyErr error

		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				uid = uint32(data.UID)
			case imapclient.FetchItemDataBodySection:
				// The literal streams from the connection and must be
				// consumed before advancing to the next item.
				if data.Literal == nil {
					continue
				}
				body, bodyErr = readLiteral(data.Literal)
				if bodyErr != nil {
					c.logger.Debug("body literal read failed", "uid", uid, "error", bodyErr)
					body = nil
				}
			}
		}

		if uid != 0 && len(body) > 0 {
			result[uid] = body
		}
	}

	if err := fetchCmd.Close(); err != nil {
		if time.Now().After(deadline) {
			// Session budget expired mid-fetch. Partial result stands.
			c.logger.Warn("fetch session deadline expired", "collected", len(result), "requested", len(uids))
			return result, nil
		}
		if len(result) > 0 {
			c.logger.Warn("fetch session ended with error, keeping partial result",
				"collected", len(result), "requested", len(uids), "error", err)
			return result, nil
		}
		return result, fmt.Errorf("fetch bodies: %w", err)
	}

	return result, nil
}

// Close logs out and closes the underlying connection.
func (c *Conn) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// readLiteral buffers one body literal up to maxRawMessageSize and
// drains any remainder so the IMAP stream stays in sync.
func readLiteral(lit imap.LiteralReader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(lit, maxRawMessageSize))
	drainLiteral(lit)
	return data, err
}
